// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// PEClass groups the handful of constants that differ between PE32 and
// PE32+: whether the class is 64-bit, the optional header magic, the
// natural relocation type for that width, and the default image base
// used by the empty-image constructor. The directory readers and
// rebuilders branch on File.Is64 directly rather than through a PEClass.
type PEClass struct {
	Is64             bool
	OptionalMagic    uint16
	RelocEntryType   ImageBaseRelocationEntryType
	DefaultImageBase uint64
}

// PEClass32 describes the PE32 address width.
var PEClass32 = PEClass{
	Is64:             false,
	OptionalMagic:    ImageNtOptionalHeader32Magic,
	RelocEntryType:   ImageRelBasedHighLow,
	DefaultImageBase: 0x00400000,
}

// PEClass64 describes the PE32+ address width.
var PEClass64 = PEClass{
	Is64:             true,
	OptionalMagic:    ImageNtOptionalHeader64Magic,
	RelocEntryType:   ImageRelBasedDir64,
	DefaultImageBase: 0x0000000140000000,
}

// Class returns the PEClass matching the already-parsed optional header.
func (pe *File) Class() PEClass {
	if pe.Is64 {
		return PEClass64
	}
	return PEClass32
}

// DirectoryExists reports whether data directory id is present, meaning it
// falls within NumberOfRvaAndSizes and carries a non-zero RVA.
func (pe *File) DirectoryExists(id ImageDirectoryEntry) bool {
	rvaSizes, _ := pe.numberOfRvaAndSizes()
	if uint32(id) >= rvaSizes {
		return false
	}
	rva, _ := pe.directoryEntry(id)
	return rva != 0
}

// GetDirectoryRVA returns the RVA of data directory id, or
// ErrDirectoryDoesNotExist when id is beyond NumberOfRvaAndSizes.
func (pe *File) GetDirectoryRVA(id ImageDirectoryEntry) (uint32, error) {
	rvaSizes, err := pe.numberOfRvaAndSizes()
	if err != nil {
		return 0, err
	}
	if uint32(id) >= rvaSizes {
		return 0, ErrDirectoryDoesNotExist
	}
	rva, _ := pe.directoryEntry(id)
	return rva, nil
}

// GetDirectorySize returns the size of data directory id, or
// ErrDirectoryDoesNotExist when id is beyond NumberOfRvaAndSizes.
func (pe *File) GetDirectorySize(id ImageDirectoryEntry) (uint32, error) {
	rvaSizes, err := pe.numberOfRvaAndSizes()
	if err != nil {
		return 0, err
	}
	if uint32(id) >= rvaSizes {
		return 0, ErrDirectoryDoesNotExist
	}
	_, size := pe.directoryEntry(id)
	return size, nil
}

// SetDirectoryRVA sets the RVA of data directory id.
func (pe *File) SetDirectoryRVA(id ImageDirectoryEntry, rva uint32) error {
	rvaSizes, err := pe.numberOfRvaAndSizes()
	if err != nil {
		return err
	}
	if uint32(id) >= rvaSizes {
		return ErrDirectoryDoesNotExist
	}
	pe.setDirectoryEntry(id, &rva, nil)
	return nil
}

// SetDirectorySize sets the size of data directory id.
func (pe *File) SetDirectorySize(id ImageDirectoryEntry, size uint32) error {
	rvaSizes, err := pe.numberOfRvaAndSizes()
	if err != nil {
		return err
	}
	if uint32(id) >= rvaSizes {
		return ErrDirectoryDoesNotExist
	}
	pe.setDirectoryEntry(id, nil, &size)
	return nil
}

// RemoveDirectory zeroes out data directory id. Removing the base
// relocation directory sets IMAGE_FILE_RELOCS_STRIPPED and clears the
// dynamic-base DLL characteristic; removing the export directory clears
// the DLL file characteristic, mirroring what a loader infers from those
// flags once the corresponding table is gone.
func (pe *File) RemoveDirectory(id ImageDirectoryEntry) {
	if !pe.DirectoryExists(id) {
		return
	}
	pe.setDirectoryEntry(id, new(uint32), new(uint32))

	switch id {
	case ImageDirectoryEntryBaseReloc:
		pe.setFileCharacteristics(pe.fileCharacteristics() | ImageFileRelocsStripped)
		pe.setDllCharacteristics(pe.dllCharacteristics() &^ ImageOptionalHeaderDllCharacteristicsType(ImageDllCharacteristicsDynamicBase))
	case ImageDirectoryEntryExport:
		pe.setFileCharacteristics(pe.fileCharacteristics() &^ ImageFileDLL)
	}
}

// StripDataDirectories reduces NumberOfRvaAndSizes by trimming trailing
// empty directory entries down to minCount, optionally treating a
// non-empty IAT directory as strippable too. It returns the resulting
// count. This is useful after RemoveDirectory calls leave a run of zeroed
// entries at the tail of the array that a rebuilder would rather not
// re-emit.
func (pe *File) StripDataDirectories(minCount uint32, stripIATDirectory bool) uint32 {
	rvaSizes, err := pe.numberOfRvaAndSizes()
	if err != nil {
		return 0
	}

	i := int(rvaSizes) - 1
	for ; i >= 0; i-- {
		rva, _ := pe.directoryEntry(ImageDirectoryEntry(i))
		stripped := i == int(ImageDirectoryEntryIAT) && stripIATDirectory
		if rva != 0 && !stripped {
			break
		}
		if i <= int(minCount)-1 {
			break
		}
	}

	if i == int(ImageNumberOfDirectoryEntries)-1 {
		return uint32(ImageNumberOfDirectoryEntries)
	}

	newCount := uint32(i + 1)
	pe.setNumberOfRvaAndSizes(newCount)
	return newCount
}

// SetImageBase sets a PE32 image base.
func (pe *File) SetImageBase(base uint32) {
	if pe.Is64 {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		oh.ImageBase = uint64(base)
		pe.NtHeader.OptionalHeader = oh
		return
	}
	oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	oh.ImageBase = base
	pe.NtHeader.OptionalHeader = oh
}

// SetImageBase64 sets a PE32+ image base.
func (pe *File) SetImageBase64(base uint64) {
	if pe.Is64 {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		oh.ImageBase = base
		pe.NtHeader.OptionalHeader = oh
		return
	}
	oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	oh.ImageBase = uint32(base)
	pe.NtHeader.OptionalHeader = oh
}

func (pe *File) numberOfRvaAndSizes() (uint32, error) {
	if pe.Is64 {
		return pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).NumberOfRvaAndSizes, nil
	}
	return pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).NumberOfRvaAndSizes, nil
}

func (pe *File) setNumberOfRvaAndSizes(n uint32) {
	if pe.Is64 {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		oh.NumberOfRvaAndSizes = n
		pe.NtHeader.OptionalHeader = oh
		return
	}
	oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	oh.NumberOfRvaAndSizes = n
	pe.NtHeader.OptionalHeader = oh
}

func (pe *File) directoryEntry(id ImageDirectoryEntry) (uint32, uint32) {
	if pe.Is64 {
		d := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).DataDirectory[id]
		return d.VirtualAddress, d.Size
	}
	d := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).DataDirectory[id]
	return d.VirtualAddress, d.Size
}

func (pe *File) setDirectoryEntry(id ImageDirectoryEntry, rva, size *uint32) {
	if pe.Is64 {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		if rva != nil {
			oh.DataDirectory[id].VirtualAddress = *rva
		}
		if size != nil {
			oh.DataDirectory[id].Size = *size
		}
		pe.NtHeader.OptionalHeader = oh
		return
	}
	oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	if rva != nil {
		oh.DataDirectory[id].VirtualAddress = *rva
	}
	if size != nil {
		oh.DataDirectory[id].Size = *size
	}
	pe.NtHeader.OptionalHeader = oh
}

func (pe *File) fileCharacteristics() ImageFileHeaderCharacteristicsType {
	return pe.NtHeader.FileHeader.Characteristics
}

func (pe *File) setFileCharacteristics(c ImageFileHeaderCharacteristicsType) {
	pe.NtHeader.FileHeader.Characteristics = c
}

func (pe *File) dllCharacteristics() ImageOptionalHeaderDllCharacteristicsType {
	if pe.Is64 {
		return pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).DllCharacteristics
	}
	return pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).DllCharacteristics
}

func (pe *File) setDllCharacteristics(c ImageOptionalHeaderDllCharacteristicsType) {
	if pe.Is64 {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		oh.DllCharacteristics = c
		pe.NtHeader.OptionalHeader = oh
		return
	}
	oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	oh.DllCharacteristics = c
	pe.NtHeader.OptionalHeader = oh
}

// NewEmpty builds an empty, minimal PE32 image skeleton: a DOS header and
// stub, an NT header with 16 zeroed data directories, and no sections. It
// gives callers who want to synthesize a PE from scratch (tests, packers)
// a starting point that already satisfies the invariants ParseNTHeader
// checks for, rather than requiring them to hand-assemble every header
// field. sectionAlignment sets SectionAlignment (FileAlignment is always
// the canonical 0x200); dll toggles IMAGE_FILE_DLL; subsystem sets the
// optional header's Subsystem field.
func NewEmpty(sectionAlignment uint32, dll bool, subsystem ImageOptionalHeaderSubsystemType) *File {
	pe := &File{}
	pe.Is32 = true
	pe.HasDOSHdr = true
	pe.HasNTHdr = true

	pe.DOSHeader = ImageDOSHeader{
		Magic:                 ImageDOSSignature,
		AddressOfNewEXEHeader: 0x80,
	}

	characteristics := ImageFileHeaderCharacteristicsType(
		ImageFileExecutableImage | ImageFileRelocsStripped | ImageFile32BitMachine)
	if dll {
		characteristics |= ImageFileDLL
	}

	oh := ImageOptionalHeader32{
		Magic:                       ImageNtOptionalHeader32Magic,
		ImageBase:                   uint32(PEClass32.DefaultImageBase),
		SectionAlignment:            sectionAlignment,
		FileAlignment:               0x200,
		SizeOfHeaders:               0x400,
		SizeOfImage:                 0x1000,
		NumberOfRvaAndSizes:         uint32(ImageNumberOfDirectoryEntries),
		Subsystem:                   subsystem,
		MajorOperatingSystemVersion: 5,
		MinorOperatingSystemVersion: 1,
		MajorSubsystemVersion:       5,
		MinorSubsystemVersion:       1,
		SizeOfStackReserve:          0x100000,
		SizeOfStackCommit:           0x1000,
		SizeOfHeapReserve:           0x100000,
		SizeOfHeapCommit:            0x1000,
	}

	pe.NtHeader = ImageNtHeader{
		Signature: ImageNTSignature,
		FileHeader: ImageFileHeader{
			Machine:              ImageFileHeaderMachineType(ImageFileMachineI386),
			Characteristics:      characteristics,
			SizeOfOptionalHeader: uint16(binarySizeOfOptionalHeader32),
		},
		OptionalHeader: oh,
	}

	return pe
}

const binarySizeOfOptionalHeader32 = 224
