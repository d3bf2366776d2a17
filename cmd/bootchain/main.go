package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	bootchain "github.com/tinyrange/bootchain"
	"github.com/tinyrange/bootchain/internal/term"
	xterm "golang.org/x/term"
)

func main() {
	// Check for the debug flag early, before flag.Parse runs.
	level := slog.LevelInfo
	for _, arg := range os.Args[1:] {
		if arg == "-debug" || arg == "--debug" {
			level = slog.LevelDebug
			break
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bootchain: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML machine config file")
	kernelPath := flag.String("kernel", "", "Kernel image to boot (default: built-in placeholder)")
	memoryMB := flag.Uint64("memory", bootchain.DefaultMemoryMB, "Guest memory in MB")
	serialPath := flag.String("serial", "", "Also write the serial transcript to this file")
	screen := flag.Bool("screen", false, "Render the final terminal screen instead of the live stream")
	timeout := flag.Duration("timeout", 0, "Abort the run after this long")
	rejectExits := flag.Int("reject-exits", 0, "Firmware exit rejections to inject into the teardown")
	_ = flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a kernel image through the firmware memory hand-off chain.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -kernel kernel.bin -memory 256\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config machine.yml -screen\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := machineConfig{}.withDefaults()
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "kernel":
			cfg.Kernel = *kernelPath
		case "memory":
			cfg.MemoryMB = *memoryMB
		case "serial":
			cfg.Serial = *serialPath
		case "timeout":
			cfg.Timeout = duration(*timeout)
		case "reject-exits":
			cfg.RejectExits = *rejectExits
		}
	})

	kernel := bootchain.PlaceholderKernel()
	if cfg.Kernel != "" {
		data, err := os.ReadFile(cfg.Kernel)
		if err != nil {
			return fmt.Errorf("read kernel image: %w", err)
		}
		kernel = data
		slog.Info("Loaded kernel image", "path", cfg.Kernel, "size", len(kernel))
	} else {
		slog.Info("No kernel supplied, booting the built-in placeholder image")
	}

	opts := []bootchain.Option{
		bootchain.WithMemoryMB(cfg.MemoryMB),
		bootchain.WithKernel(kernel),
	}

	// The serial stream goes to the console live, or into a headless
	// terminal when the caller wants the final screen instead.
	var sinks []io.Writer
	var capture *term.Capture
	if *screen {
		capture = term.NewCapture(80, 25)
		defer capture.Close()
		sinks = append(sinks, capture)
	} else {
		sinks = append(sinks, os.Stdout)
	}
	if cfg.Serial != "" {
		f, err := os.Create(cfg.Serial)
		if err != nil {
			return fmt.Errorf("create serial log: %w", err)
		}
		defer f.Close()
		sinks = append(sinks, f)
	}
	opts = append(opts, bootchain.WithSerial(io.MultiWriter(sinks...)))

	if xterm.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(int64(len(kernel)), "relocating kernel")
		defer bar.Close()
		opts = append(opts, bootchain.WithProgress(bar))
	}

	if cfg.RejectExits > 0 {
		opts = append(opts, bootchain.WithRejectExits(cfg.RejectExits))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, bootchain.WithTimeout(time.Duration(cfg.Timeout)))
	}

	slog.Debug("Starting chain", "memory_mb", cfg.MemoryMB, "kernel_bytes", len(kernel))
	start := time.Now()
	report, err := bootchain.Run(context.Background(), opts...)
	if err != nil {
		return err
	}
	slog.Info("Chain complete", "took", time.Since(start), "exit_attempts", report.ExitAttempts)

	if capture != nil {
		fmt.Println(capture.String())
	}
	printReport(os.Stdout, report)
	return nil
}

func printReport(w io.Writer, report *bootchain.Report) {
	fmt.Fprintf(w, "\nMemory map (%d regions):\n", len(report.Regions))
	for i, r := range report.Regions {
		fmt.Fprintf(w, "  %2d  0x%012x-0x%012x  %-16s %s\n",
			i, uint64(r.Base), uint64(r.Base)+r.Length, r.Kind, formatBytes(r.Length))
	}

	fmt.Fprintf(w, "Kernel:        %s at 0x%x\n", formatBytes(report.KernelSize), report.Registers.RIP)
	fmt.Fprintf(w, "Exit attempts: %d\n", report.ExitAttempts)
	fmt.Fprintf(w, "Mapped:        %s\n", formatBytes(report.MappedBytes))
	if report.HeapReady {
		fmt.Fprintf(w, "Heap:          %s at 0x%x\n",
			formatBytes(report.Heap.Total), uint64(report.Heap.Start))
	} else {
		fmt.Fprintf(w, "Heap:          not initialized\n")
	}
	fmt.Fprintf(w, "Registers:     CR3=0x%x RSP=0x%x RIP=0x%x RFLAGS=0x%x\n",
		report.Registers.CR3, report.Registers.RSP,
		report.Registers.RIP, report.Registers.RFLAGS)
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
