package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/bootchain/internal/e820"
	"github.com/tinyrange/bootchain/internal/physmem"
	"golang.org/x/term"
)

// The staging image only has to cover the hand-off location plus a full
// entry table.
const imageSize = 64 << 10

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("file", "", "Hand-off blob to inspect (entry count followed by packed entries)")
	entries := fs.String("entries", "", "Synthesize a map from base:length:type triples (comma separated, hex ok)")
	fallback := fs.Bool("fallback", false, "Inspect the static fallback map")
	raw := fs.Bool("raw", false, "Print the packed bytes of each entry")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Parse a boot hand-off memory map and print the region table.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -file handoff.bin\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -entries 0x0:0x9f000:1,0x100000:0x3f00000:1\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -fallback -raw\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	m, err := physmem.NewImage(imageSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to allocate staging image: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	switch {
	case *filename != "":
		data, err := os.ReadFile(*filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read blob: %v\n", err)
			os.Exit(1)
		}
		if _, err := m.WriteAt(data, int64(e820.HandoffAddr)); err != nil {
			fmt.Fprintf(os.Stderr, "blob of %d bytes does not fit the staging area: %v\n", len(data), err)
			os.Exit(1)
		}
	case *entries != "":
		ents, err := parseEntryList(*entries)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to parse -entries: %v\n", err)
			os.Exit(1)
		}
		if err := e820.WriteEntries(m, ents); err != nil {
			fmt.Fprintf(os.Stderr, "failed to stage entries: %v\n", err)
			os.Exit(1)
		}
	case *fallback:
		if err := e820.WriteEntries(m, e820.Fallback().Entries()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to stage fallback map: %v\n", err)
			os.Exit(1)
		}
	default:
		fs.Usage()
		os.Exit(1)
	}

	ents, err := e820.ReadEntries(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read entry table: %v\n", err)
		os.Exit(1)
	}

	printHeader(fmt.Sprintf(" #  %-18s  %-18s  %-18s  type  attr  kind", "base", "length", "end"))
	for i, e := range ents {
		fmt.Printf("%2d  0x%016x  0x%016x  0x%016x  %4d  %4d  %s\n",
			i, e.Base, e.Length, e.End(), e.Type, e.Attr, e.Kind())
	}

	if *raw {
		fmt.Printf("\n")
		buf := make([]byte, e820.EntrySize)
		for i := range ents {
			off := int64(e820.HandoffAddr) + 4 + int64(i)*e820.EntrySize
			if _, err := m.ReadAt(buf, off); err != nil {
				fmt.Fprintf(os.Stderr, "failed to read entry %d: %v\n", i, err)
				os.Exit(1)
			}
			fmt.Printf("%2d  % x\n", i, buf)
		}
	}

	parsed, err := e820.Parse(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "map rejected: %v\n", err)
		os.Exit(1)
	}

	s := parsed.Stats()
	fmt.Printf("\n")
	printHeader(fmt.Sprintf("%-10s  %7s  %s", "kind", "regions", "memory"))
	for _, row := range []struct {
		kind    string
		regions uint32
		bytes   uint64
	}{
		{"usable", s.UsableRegions, s.UsableMemory},
		{"reserved", s.ReservedRegions, s.ReservedMemory},
		{"acpi", s.AcpiRegions, s.AcpiMemory},
		{"bad", s.BadRegions, s.BadMemory},
		{"unknown", s.UnknownRegions, s.UnknownMemory},
	} {
		if row.regions == 0 {
			continue
		}
		fmt.Printf("%-10s  %7d  %s\n", row.kind, row.regions, formatBytes(row.bytes))
	}

	note := ""
	if parsed.TotalUsableBytes() != s.UsableMemory {
		note = " (heuristic re-estimate)"
	}
	fmt.Printf("\nUsable:   %s%s\n", formatBytes(parsed.TotalUsableBytes()), note)
	fmt.Printf("Physical: %s\n", formatBytes(parsed.TotalPhysicalBytes()))
}

func printHeader(header string) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		header = ansi.Style{}.Bold().Styled(header)
	}
	fmt.Println(header)
}

// parseEntryList turns "base:length:type[,base:length:type...]" into
// entries. Values go through ParseUint with base 0, so 0x prefixes work.
func parseEntryList(s string) ([]e820.Entry, error) {
	var out []e820.Entry
	for _, part := range strings.Split(s, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("entry %q: want base:length:type", part)
		}
		base, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("entry %q base: %v", part, err)
		}
		length, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("entry %q length: %v", part, err)
		}
		typ, err := strconv.ParseUint(fields[2], 0, 32)
		if err != nil {
			return nil, fmt.Errorf("entry %q type: %v", part, err)
		}
		out = append(out, e820.Entry{Base: base, Length: length, Type: uint32(typ), Attr: 1})
	}
	return out, nil
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
