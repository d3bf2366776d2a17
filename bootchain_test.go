package bootchain

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"
	"time"
)

func TestPlaceholderKernel(t *testing.T) {
	img := PlaceholderKernel()
	if len(img) != 4096 {
		t.Fatalf("size: got %d", len(img))
	}
	if sig := binary.LittleEndian.Uint64(img); sig != KernelSignature {
		t.Fatalf("signature: got 0x%016X", sig)
	}
	if img[8] != 0xEB || img[9] != 0xFE {
		t.Fatalf("missing halt spin after the signature")
	}
}

func TestRunDefault(t *testing.T) {
	report, err := Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(report.Regions) != 6 {
		t.Fatalf("regions: got %d, want 6", len(report.Regions))
	}
	if report.ExitAttempts != 1 {
		t.Fatalf("exit attempts: got %d", report.ExitAttempts)
	}
	if report.KernelSize != 4096 {
		t.Fatalf("kernel size: got %d", report.KernelSize)
	}
	if report.MappedBytes != 128<<20 {
		t.Fatalf("mapped bytes: got %d", report.MappedBytes)
	}

	if !report.HeapReady {
		t.Fatalf("heap did not come up")
	}
	if report.Heap.Total < 4<<20 || report.Heap.Total%4096 != 0 {
		t.Fatalf("heap size out of contract: %d", report.Heap.Total)
	}

	if report.Registers.CR3 != 0x70000 {
		t.Fatalf("cr3: got 0x%X", report.Registers.CR3)
	}
	if report.Registers.RSP != 0xA0000 {
		t.Fatalf("rsp: got 0x%X", report.Registers.RSP)
	}
	if report.Registers.RIP != 0x200000 {
		t.Fatalf("rip: got 0x%X", report.Registers.RIP)
	}
	if report.Registers.RFLAGS&(1<<9) != 0 {
		t.Fatalf("interrupts enabled across the hand-off: 0x%X", report.Registers.RFLAGS)
	}
	if report.Registers.RFLAGS&(1<<1) == 0 {
		t.Fatalf("reserved flag bit lost: 0x%X", report.Registers.RFLAGS)
	}

	if report.Kernel.SignatureReadback != KernelSignature {
		t.Fatalf("signature readback: 0x%016X", report.Kernel.SignatureReadback)
	}
	if !report.Kernel.Halted {
		t.Fatalf("kernel phase did not halt")
	}

	for _, want := range []string{
		"BootchainLoaderUEFI v0.1.0",
		"First bytes at 0x200000: 0xF00F01F00B007CA1",
		"Jumping to kernel...",
		"Bootchain Kernel v0.1.0",
		"E820 Entries: 6",
		"HALTING SAFELY...",
	} {
		if !strings.Contains(report.Transcript, want) {
			t.Fatalf("transcript missing %q:\n%s", want, report.Transcript)
		}
	}
}

func TestRunRetriesInjectedRejections(t *testing.T) {
	report, err := Run(context.Background(), WithRejectExits(2))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.ExitAttempts != 3 {
		t.Fatalf("exit attempts: got %d, want 3", report.ExitAttempts)
	}
}

func TestRunExhaustedRetriesFailsWithTranscript(t *testing.T) {
	var serial bytes.Buffer
	_, err := Run(context.Background(), WithRejectExits(5), WithSerial(&serial))
	if err == nil {
		t.Fatalf("expected the teardown to fail")
	}

	// The tee keeps the transcript reachable on the error path.
	got := serial.String()
	if !strings.Contains(got, "BOOTLOADER ERROR") || !strings.Contains(got, "Operation: Exit Boot Services") {
		t.Fatalf("error transcript missing the diagnostic:\n%s", got)
	}
}

func TestRunCustomKernel(t *testing.T) {
	kernel := make([]byte, 64<<10)
	binary.LittleEndian.PutUint64(kernel, KernelSignature)
	for i := 8; i < len(kernel); i++ {
		kernel[i] = byte(i)
	}

	report, err := Run(context.Background(), WithKernel(kernel))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.KernelSize != 64<<10 {
		t.Fatalf("kernel size: got %d", report.KernelSize)
	}
	if !strings.Contains(report.Transcript, "Kernel copied successfully (65536 bytes)") {
		t.Fatalf("transcript missing the copy confirmation:\n%s", report.Transcript)
	}
}

func TestRunSerialTeeMatchesTranscript(t *testing.T) {
	var serial bytes.Buffer
	report, err := Run(context.Background(), WithSerial(&serial))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if serial.String() != report.Transcript {
		t.Fatalf("tee diverged from the transcript")
	}
}

func TestRunProgress(t *testing.T) {
	var progress bytes.Buffer
	report, err := Run(context.Background(), WithProgress(&progress))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if uint64(progress.Len()) != report.KernelSize {
		t.Fatalf("progress saw %d bytes of %d", progress.Len(), report.KernelSize)
	}
}

func TestRunTimeout(t *testing.T) {
	_, err := Run(context.Background(), WithTimeout(time.Nanosecond))
	if err == nil {
		t.Fatalf("expected the deadline to stop the run")
	}
}

func TestRunLargerGuest(t *testing.T) {
	report, err := Run(context.Background(), WithMemoryMB(256))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// 256MiB of RAM clears the mapping floor, so the map tracks the
	// guest size instead.
	if report.MappedBytes != 256<<20 {
		t.Fatalf("mapped bytes: got %d", report.MappedBytes)
	}
	if report.Heap.Total%4096 != 0 {
		t.Fatalf("heap size not page aligned: %d", report.Heap.Total)
	}
}
