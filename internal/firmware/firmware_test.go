package firmware

import (
	"bytes"
	"testing"

	"github.com/tinyrange/bootchain/internal/handoff"
	"github.com/tinyrange/bootchain/internal/loader"
	"github.com/tinyrange/bootchain/internal/physmem"
	"github.com/tinyrange/bootchain/internal/uefi"
)

func testFirmware(t *testing.T, cfg Config) (*Firmware, *physmem.Image) {
	t.Helper()
	m, err := physmem.NewImage(64 << 20)
	if err != nil {
		t.Fatalf("new image: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	fw, err := New(m, cfg)
	if err != nil {
		t.Fatalf("new firmware: %v", err)
	}
	return fw, m
}

func readMap(t *testing.T, fw *Firmware) ([]uefi.MemoryDescriptor, uefi.MemoryMapInfo) {
	t.Helper()
	buf := make([]byte, 8192)
	info, err := fw.GetMemoryMap(buf)
	if err != nil {
		t.Fatalf("get memory map: %v", err)
	}
	descs, err := uefi.DecodeDescriptors(buf, info.MapSize, info.DescriptorSize)
	if err != nil {
		t.Fatalf("decode descriptors: %v", err)
	}
	return descs, info
}

func TestMemoryMapCoversGuest(t *testing.T) {
	fw, m := testFirmware(t, Config{})

	descs, info := readMap(t, fw)
	if info.DescriptorSize != uefi.DescriptorSize {
		t.Fatalf("descriptor size: got %d", info.DescriptorSize)
	}

	// The layout tiles guest memory with no gaps or overlaps.
	var cursor uint64
	for i, d := range descs {
		if d.PhysicalStart != cursor {
			t.Fatalf("descriptor %d starts at 0x%X, expected 0x%X", i, d.PhysicalStart, cursor)
		}
		cursor = d.PhysicalEnd()
	}
	if cursor != m.Size() {
		t.Fatalf("map covers 0x%X of 0x%X bytes", cursor, m.Size())
	}

	if descs[0].Type != uefi.EfiConventionalMemory || descs[0].PhysicalEnd() != uint64(lowRAMEnd) {
		t.Fatalf("low RAM descriptor wrong: %+v", descs[0])
	}
	if descs[1].Type != uefi.EfiBootServicesData {
		t.Fatalf("EBDA pocket wrong: %+v", descs[1])
	}
	if descs[2].Type != uefi.EfiReservedMemoryType || descs[2].PhysicalEnd() != uint64(legacyEnd) {
		t.Fatalf("legacy hole wrong: %+v", descs[2])
	}

	last := descs[len(descs)-1]
	if last.Type != uefi.EfiRuntimeServicesData {
		t.Fatalf("top of RAM should be runtime data: %+v", last)
	}
	if descs[len(descs)-3].Type != uefi.EfiACPIReclaimMemory || descs[len(descs)-2].Type != uefi.EfiACPIMemoryNVS {
		t.Fatalf("ACPI pockets missing near top of RAM")
	}
}

func TestMapKeyStableAcrossQueries(t *testing.T) {
	fw, _ := testFirmware(t, Config{})

	_, a := readMap(t, fw)
	_, b := readMap(t, fw)
	if a.MapKey != b.MapKey {
		t.Fatalf("query alone changed the map key: %d then %d", a.MapKey, b.MapKey)
	}
}

func TestBufferTooSmall(t *testing.T) {
	fw, _ := testFirmware(t, Config{})

	info, err := fw.GetMemoryMap(make([]byte, 16))
	status, ok := uefi.StatusOf(err)
	if !ok || status != uefi.StatusBufferTooSmall {
		t.Fatalf("expected StatusBufferTooSmall, got %v", err)
	}
	if info.MapSize == 0 || info.MapSize%uefi.DescriptorSize != 0 {
		t.Fatalf("needed size not reported: %+v", info)
	}

	if _, err := fw.GetMemoryMap(make([]byte, info.MapSize)); err != nil {
		t.Fatalf("exact-size buffer should succeed: %v", err)
	}
}

func TestAllocationInvalidatesKey(t *testing.T) {
	fw, _ := testFirmware(t, Config{})

	_, before := readMap(t, fw)

	p, err := fw.AllocatePool(uefi.EfiLoaderData, 4096)
	if err != nil {
		t.Fatalf("allocate pool: %v", err)
	}

	_, after := readMap(t, fw)
	if after.MapKey == before.MapKey {
		t.Fatalf("allocation did not bump the map key")
	}

	err = fw.ExitBootServices(fw.Handle(), before.MapKey)
	status, ok := uefi.StatusOf(err)
	if !ok || status != uefi.StatusInvalidParameter {
		t.Fatalf("stale key should be rejected, got %v", err)
	}

	if err := p.Free(); err != nil {
		t.Fatalf("free pool: %v", err)
	}
	_, freed := readMap(t, fw)
	if freed.MapKey == after.MapKey {
		t.Fatalf("free did not bump the map key")
	}

	if err := fw.ExitBootServices(fw.Handle(), freed.MapKey); err != nil {
		t.Fatalf("fresh key should be accepted: %v", err)
	}
}

func TestAllocationsAppearInMap(t *testing.T) {
	fw, _ := testFirmware(t, Config{})

	p, err := fw.AllocatePool(uefi.EfiLoaderData, 100)
	if err != nil {
		t.Fatalf("allocate pool: %v", err)
	}

	descs, _ := readMap(t, fw)
	found := false
	for _, d := range descs {
		if d.Type == uefi.EfiLoaderData && d.PhysicalStart == uint64(p.Base()) {
			if d.NumberOfPages != 1 {
				t.Fatalf("100 byte pool should occupy 1 page, got %d", d.NumberOfPages)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("live allocation missing from the map")
	}

	if err := p.Free(); err != nil {
		t.Fatalf("free pool: %v", err)
	}
	descs, _ = readMap(t, fw)
	for _, d := range descs {
		if d.Type == uefi.EfiLoaderData {
			t.Fatalf("freed allocation still in the map: %+v", d)
		}
	}
}

func TestPoolBackedByGuestMemory(t *testing.T) {
	fw, m := testFirmware(t, Config{})

	p, err := fw.AllocatePool(uefi.EfiLoaderData, 64)
	if err != nil {
		t.Fatalf("allocate pool: %v", err)
	}

	payload := []byte("staged kernel bytes")
	if _, err := p.WriteAt(payload, 0); err != nil {
		t.Fatalf("pool write: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := m.ReadAt(got, int64(p.Base())); err != nil {
		t.Fatalf("guest read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("pool bytes not visible in guest memory")
	}

	if _, err := p.WriteAt(make([]byte, 65), 0); err == nil {
		t.Fatalf("write past the allocation should fail")
	}

	if err := p.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}
	if _, err := p.ReadAt(got, 0); err == nil {
		t.Fatalf("read of a freed pool should fail")
	}
	if err := p.Free(); err == nil {
		t.Fatalf("double free should fail")
	}
}

func TestPoolWindowExhaustion(t *testing.T) {
	fw, _ := testFirmware(t, Config{})

	_, err := fw.AllocatePool(uefi.EfiLoaderData, poolWindowSize+1)
	status, ok := uefi.StatusOf(err)
	if !ok || status != uefi.StatusOutOfResources {
		t.Fatalf("expected StatusOutOfResources, got %v", err)
	}
}

func TestExitRequiresHandle(t *testing.T) {
	fw, _ := testFirmware(t, Config{ImageHandle: 7})

	_, info := readMap(t, fw)
	err := fw.ExitBootServices(3, info.MapKey)
	status, ok := uefi.StatusOf(err)
	if !ok || status != uefi.StatusInvalidParameter {
		t.Fatalf("wrong handle should be rejected, got %v", err)
	}

	if err := fw.ExitBootServices(7, info.MapKey); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if !fw.Exited() {
		t.Fatalf("firmware not marked exited")
	}

	// Everything is gone after teardown.
	if _, err := fw.GetMemoryMap(make([]byte, 8192)); err == nil {
		t.Fatalf("get memory map should fail after exit")
	}
	if _, err := fw.AllocatePool(uefi.EfiLoaderData, 16); err == nil {
		t.Fatalf("allocate pool should fail after exit")
	}
	if _, err := fw.OpenVolume(); err == nil {
		t.Fatalf("open volume should fail after exit")
	}
	if err := fw.ExitBootServices(7, info.MapKey); err == nil {
		t.Fatalf("double exit should fail")
	}
}

func TestInjectedRejectionsForceRequery(t *testing.T) {
	fw, _ := testFirmware(t, Config{RejectExits: 2})

	_, first := readMap(t, fw)
	err := fw.ExitBootServices(fw.Handle(), first.MapKey)
	if status, ok := uefi.StatusOf(err); !ok || status != uefi.StatusInvalidParameter {
		t.Fatalf("first exit should be rejected stale, got %v", err)
	}

	_, second := readMap(t, fw)
	if second.MapKey == first.MapKey {
		t.Fatalf("injected rejection did not change the key")
	}
	if err := fw.ExitBootServices(fw.Handle(), second.MapKey); err == nil {
		t.Fatalf("second exit should also be rejected")
	}

	_, third := readMap(t, fw)
	if err := fw.ExitBootServices(fw.Handle(), third.MapKey); err != nil {
		t.Fatalf("third exit should succeed: %v", err)
	}
}

func TestTeardownProtocolAgainstFirmware(t *testing.T) {
	fw, _ := testFirmware(t, Config{RejectExits: 2})

	p := handoff.NewProtocol(fw, fw.Handle())
	state, err := p.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != handoff.StateSucceeded {
		t.Fatalf("state: got %v", state)
	}
	if p.Attempts() != 3 {
		t.Fatalf("attempts: got %d, want 3", p.Attempts())
	}
	if !fw.Exited() {
		t.Fatalf("firmware still holds the platform")
	}
}

func TestVolumeFiles(t *testing.T) {
	kernel := []byte("\x05\x53\xC0\x4Fsigned image body")
	fw, _ := testFirmware(t, Config{Files: map[string][]byte{"kernel.bin": kernel}})

	vol, err := fw.OpenVolume()
	if err != nil {
		t.Fatalf("open volume: %v", err)
	}

	if _, err := vol.Open("initrd.img"); err == nil {
		t.Fatalf("missing file should fail")
	}

	f, err := vol.Open("kernel.bin")
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	size, err := f.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != uint64(len(kernel)) {
		t.Fatalf("size: got %d, want %d", size, len(kernel))
	}

	got := make([]byte, 0, size)
	buf := make([]byte, 7)
	for {
		n, err := f.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	if !bytes.Equal(got, kernel) {
		t.Fatalf("file content mismatch")
	}

	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.Close(); err == nil {
		t.Fatalf("double close should fail")
	}

	if err := vol.Close(); err != nil {
		t.Fatalf("close volume: %v", err)
	}
	if _, err := vol.Open("kernel.bin"); err == nil {
		t.Fatalf("closed volume should reject opens")
	}
}

func TestLoaderStagesFromFirmware(t *testing.T) {
	kernel := make([]byte, 80<<10)
	for i := range kernel {
		kernel[i] = byte(i * 13)
	}
	fw, _ := testFirmware(t, Config{Files: map[string][]byte{"kernel.bin": kernel}})

	img, err := loader.Load(fw)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fw.LiveAllocations() != 1 {
		t.Fatalf("staging pool not accounted: %d live", fw.LiveAllocations())
	}

	got := make([]byte, len(kernel))
	if _, err := img.ReadAt(got, 0); err != nil {
		t.Fatalf("read staged: %v", err)
	}
	if !bytes.Equal(got, kernel) {
		t.Fatalf("staged image mismatch")
	}

	if err := img.Free(); err != nil {
		t.Fatalf("free: %v", err)
	}
	if fw.LiveAllocations() != 0 {
		t.Fatalf("pool leaked after free")
	}
}

func TestGuestTooSmall(t *testing.T) {
	m, err := physmem.NewImage(16 << 20)
	if err != nil {
		t.Fatalf("new image: %v", err)
	}
	defer m.Close()

	if _, err := New(m, Config{}); err == nil {
		t.Fatalf("expected an error for a 16MiB guest")
	}
}
