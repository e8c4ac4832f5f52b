// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "testing"

func TestNewEmpty(t *testing.T) {
	file := NewEmpty(0x1000, false, ImageSubsystemWindowsGUI)

	oh, ok := file.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	if !ok {
		t.Fatalf("OptionalHeader has wrong type: %T", file.NtHeader.OptionalHeader)
	}

	if oh.Magic != ImageNtOptionalHeader32Magic {
		t.Errorf("Magic = %#x, want %#x", oh.Magic, ImageNtOptionalHeader32Magic)
	}
	if oh.ImageBase != 0x00400000 {
		t.Errorf("ImageBase = %#x, want %#x", oh.ImageBase, 0x00400000)
	}
	if oh.FileAlignment != 0x200 {
		t.Errorf("FileAlignment = %#x, want %#x", oh.FileAlignment, 0x200)
	}
	if oh.SectionAlignment != 0x1000 {
		t.Errorf("SectionAlignment = %#x, want %#x", oh.SectionAlignment, 0x1000)
	}
	if oh.SizeOfHeaders != 0x400 {
		t.Errorf("SizeOfHeaders = %#x, want %#x", oh.SizeOfHeaders, 0x400)
	}
	if oh.NumberOfRvaAndSizes != 16 {
		t.Errorf("NumberOfRvaAndSizes = %d, want 16", oh.NumberOfRvaAndSizes)
	}
	if oh.Subsystem != ImageSubsystemWindowsGUI {
		t.Errorf("Subsystem = %d, want %d", oh.Subsystem, ImageSubsystemWindowsGUI)
	}
	if oh.MajorOperatingSystemVersion != 5 || oh.MinorOperatingSystemVersion != 1 {
		t.Errorf("OS version = %d.%d, want 5.1", oh.MajorOperatingSystemVersion, oh.MinorOperatingSystemVersion)
	}
	if oh.MajorSubsystemVersion != 5 || oh.MinorSubsystemVersion != 1 {
		t.Errorf("Subsystem version = %d.%d, want 5.1", oh.MajorSubsystemVersion, oh.MinorSubsystemVersion)
	}
	if oh.SizeOfStackReserve != 0x100000 || oh.SizeOfStackCommit != 0x1000 {
		t.Errorf("stack reserve/commit = %#x/%#x, want %#x/%#x",
			oh.SizeOfStackReserve, oh.SizeOfStackCommit, 0x100000, 0x1000)
	}
	if oh.SizeOfHeapReserve != 0x100000 || oh.SizeOfHeapCommit != 0x1000 {
		t.Errorf("heap reserve/commit = %#x/%#x, want %#x/%#x",
			oh.SizeOfHeapReserve, oh.SizeOfHeapCommit, 0x100000, 0x1000)
	}

	want := ImageFileHeaderCharacteristicsType(
		ImageFileExecutableImage | ImageFileRelocsStripped | ImageFile32BitMachine)
	if file.NtHeader.FileHeader.Characteristics != want {
		t.Errorf("Characteristics = %#x, want %#x", file.NtHeader.FileHeader.Characteristics, want)
	}
	if file.NtHeader.FileHeader.Machine != ImageFileHeaderMachineType(ImageFileMachineI386) {
		t.Errorf("Machine = %#x, want %#x", file.NtHeader.FileHeader.Machine, ImageFileMachineI386)
	}
}

func TestNewEmptyDLL(t *testing.T) {
	file := NewEmpty(0x1000, true, ImageSubsystemWindowsCUI)
	if file.NtHeader.FileHeader.Characteristics&ImageFileDLL == 0 {
		t.Errorf("Characteristics %#x does not include DLL", file.NtHeader.FileHeader.Characteristics)
	}
	oh := file.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	if oh.Subsystem != ImageSubsystemWindowsCUI {
		t.Errorf("Subsystem = %d, want %d", oh.Subsystem, ImageSubsystemWindowsCUI)
	}
}

func TestAddressMath(t *testing.T) {
	file := NewEmpty(0x1000, false, ImageSubsystemWindowsGUI)

	if va := file.RVAToVA(0x1000); va != 0x00401000 {
		t.Errorf("RVAToVA(0x1000) = %#x, want %#x", va, 0x00401000)
	}

	rva, err := file.VAToRVA(0x00401000)
	if err != nil {
		t.Fatalf("VAToRVA(0x00401000) failed: %v", err)
	}
	if rva != 0x1000 {
		t.Errorf("VAToRVA(0x00401000) = %#x, want %#x", rva, 0x1000)
	}

	if _, err := file.RVAToVA32(0xFFFFF000); err != ErrIncorrectAddressConversion {
		t.Errorf("RVAToVA32(0xFFFFF000) err = %v, want ErrIncorrectAddressConversion", err)
	}

	if _, err := file.VAToRVA(0x00000001); err != ErrIncorrectAddressConversion {
		t.Errorf("VAToRVA(below image base) err = %v, want ErrIncorrectAddressConversion", err)
	}
}

func TestStripDataDirectories(t *testing.T) {
	file := NewEmpty(0x1000, false, ImageSubsystemWindowsGUI)
	file.setDirectoryEntry(ImageDirectoryEntry(1), uPtr(0x1000), uPtr(0x10))
	file.setDirectoryEntry(ImageDirectoryEntry(2), uPtr(0x2000), uPtr(0x10))
	file.setDirectoryEntry(ImageDirectoryEntry(5), uPtr(0x3000), uPtr(0x10))

	if got := file.StripDataDirectories(1, false); got != 6 {
		t.Errorf("StripDataDirectories(1, false) = %d, want 6", got)
	}

	file2 := NewEmpty(0x1000, false, ImageSubsystemWindowsGUI)
	file2.setDirectoryEntry(ImageDirectoryEntry(1), uPtr(0x1000), uPtr(0x10))
	file2.setDirectoryEntry(ImageDirectoryEntry(2), uPtr(0x2000), uPtr(0x10))
	file2.setDirectoryEntry(ImageDirectoryEntry(5), uPtr(0x3000), uPtr(0x10))

	if got := file2.StripDataDirectories(10, false); got != 10 {
		t.Errorf("StripDataDirectories(10, false) = %d, want 10", got)
	}
}

func uPtr(v uint32) *uint32 { return &v }

func TestRemoveDirectoryBaseReloc(t *testing.T) {
	file := NewEmpty(0x1000, true, ImageSubsystemWindowsGUI)
	file.setDirectoryEntry(ImageDirectoryEntryBaseReloc, uPtr(0x4000), uPtr(0x20))
	file.setDllCharacteristics(ImageDllCharacteristicsDynamicBase)
	file.setFileCharacteristics(file.fileCharacteristics() &^ ImageFileRelocsStripped)

	if file.fileCharacteristics()&ImageFileRelocsStripped != 0 {
		t.Fatal("precondition failed: RELOCS_STRIPPED already set")
	}

	file.RemoveDirectory(ImageDirectoryEntryBaseReloc)

	rva, _ := file.directoryEntry(ImageDirectoryEntryBaseReloc)
	if rva != 0 {
		t.Errorf("data directory RVA = %#x after RemoveDirectory, want 0", rva)
	}
	if file.fileCharacteristics()&ImageFileRelocsStripped == 0 {
		t.Error("RELOCS_STRIPPED not set after removing base relocation directory")
	}
	if file.dllCharacteristics()&ImageOptionalHeaderDllCharacteristicsType(ImageDllCharacteristicsDynamicBase) != 0 {
		t.Error("DYNAMIC_BASE still set after removing base relocation directory")
	}

	// Idempotent: calling twice has no further effect.
	file.RemoveDirectory(ImageDirectoryEntryBaseReloc)
	rva, _ = file.directoryEntry(ImageDirectoryEntryBaseReloc)
	if rva != 0 {
		t.Errorf("second RemoveDirectory call changed RVA to %#x", rva)
	}
}

func TestRebase(t *testing.T) {
	img := buildTestImage(testImageOptions{sectionData: make([]byte, 0x100)})
	file, err := NewBytes(img, &Options{})
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	oldBase := file.ImageBase()
	newBase := oldBase + 0x100000

	section := &file.Sections[0]
	pointerOffsetInSection := uint32(0x10)
	originalValue := uint32(oldBase) + 0x3000
	if err := file.writeUint32(section.Header.PointerToRawData+pointerOffsetInSection, originalValue); err != nil {
		t.Fatalf("writeUint32 failed: %v", err)
	}

	file.Relocations = []Relocation{
		{
			Data: ImageBaseRelocation{VirtualAddress: section.Header.VirtualAddress},
			Entries: []ImageBaseRelocationEntry{
				{Offset: uint16(pointerOffsetInSection), Type: ImageBaseRelocationEntryType(ImageRelBasedHighLow)},
			},
		},
	}

	if err := file.Rebase(newBase); err != nil {
		t.Fatalf("Rebase failed: %v", err)
	}

	if file.ImageBase() != newBase {
		t.Errorf("ImageBase() = %#x, want %#x", file.ImageBase(), newBase)
	}

	patched, err := file.ReadUint32(section.Header.PointerToRawData + pointerOffsetInSection)
	if err != nil {
		t.Fatalf("ReadUint32 failed: %v", err)
	}
	want := originalValue + 0x100000
	if patched != want {
		t.Errorf("patched pointer = %#x, want %#x", patched, want)
	}
}

func TestRebaseNoRelocationsLeavesBytesUntouched(t *testing.T) {
	sectionData := make([]byte, 0x100)
	for i := range sectionData {
		sectionData[i] = byte(i)
	}
	img := buildTestImage(testImageOptions{sectionData: sectionData})
	file, err := NewBytes(img, &Options{})
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	before := append([]byte(nil), file.data...)
	newBase := file.ImageBase() + 0x100000

	if err := file.Rebase(newBase); err != nil {
		t.Fatalf("Rebase failed: %v", err)
	}

	if file.ImageBase() != newBase {
		t.Errorf("ImageBase() = %#x, want %#x", file.ImageBase(), newBase)
	}

	after := []byte(file.data)
	if len(before) != len(after) {
		t.Fatalf("image size changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("byte %d changed from %#x to %#x with no relocations", i, before[i], after[i])
			break
		}
	}
}
