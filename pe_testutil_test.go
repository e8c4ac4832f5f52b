// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
)

const (
	testSectionRVA        = 0x2000
	testSectionFileOffset = 0x400
	testFileAlignment     = 0x200
	testSectionAlignment  = 0x1000
)

// testImageOptions configures a synthetic PE image assembled for tests that
// need a directory parser exercised without a fixture binary on disk.
type testImageOptions struct {
	is64        bool
	sectionData []byte
	dirEntry    ImageDirectoryEntry
	dirRVA      uint32
	dirSize     uint32
	imageBase32 uint32
	imageBase64 uint64
}

// buildTestImage assembles a minimal, well-formed PE32/PE32+ image in
// memory: a DOS stub, NT headers, and a single section holding sectionData
// at testSectionRVA. When dirSize is non-zero, the dirEntry slot in the
// data directory is pointed at dirRVA/dirSize.
func buildTestImage(o testImageOptions) []byte {
	var buf bytes.Buffer

	dos := ImageDOSHeader{
		Magic:                 ImageDOSSignature,
		AddressOfNewEXEHeader: 0x80,
	}
	binary.Write(&buf, binary.LittleEndian, dos)
	buf.Write(make([]byte, int(dos.AddressOfNewEXEHeader)-buf.Len()))

	binary.Write(&buf, binary.LittleEndian, uint32(ImageNTSignature))

	fh := ImageFileHeader{
		NumberOfSections: 1,
		Characteristics:  ImageFileExecutableImage,
	}
	if o.is64 {
		fh.Machine = ImageFileHeaderMachineType(ImageFileMachineAMD64)
		fh.SizeOfOptionalHeader = uint16(binary.Size(ImageOptionalHeader64{}))
	} else {
		fh.Machine = ImageFileHeaderMachineType(ImageFileMachineI386)
		fh.SizeOfOptionalHeader = uint16(binary.Size(ImageOptionalHeader32{}))
	}
	binary.Write(&buf, binary.LittleEndian, fh)

	sectionRawSize := alignUp(uint32(len(o.sectionData)), testFileAlignment)
	virtSize := uint32(len(o.sectionData))
	if virtSize == 0 {
		virtSize = 1
	}
	sizeOfImage := alignUp(testSectionRVA+virtSize, testSectionAlignment)

	var dataDir [16]DataDirectory
	if o.dirSize != 0 {
		dataDir[o.dirEntry] = DataDirectory{VirtualAddress: o.dirRVA, Size: o.dirSize}
	}

	if o.is64 {
		base := o.imageBase64
		if base == 0 {
			base = 0x140000000
		}
		oh := ImageOptionalHeader64{
			Magic:               ImageNtOptionalHeader64Magic,
			ImageBase:           base,
			SectionAlignment:    testSectionAlignment,
			FileAlignment:       testFileAlignment,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       testSectionFileOffset,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dataDir,
		}
		binary.Write(&buf, binary.LittleEndian, oh)
	} else {
		base := o.imageBase32
		if base == 0 {
			base = 0x400000
		}
		oh := ImageOptionalHeader32{
			Magic:               ImageNtOptionalHeader32Magic,
			ImageBase:           base,
			SectionAlignment:    testSectionAlignment,
			FileAlignment:       testFileAlignment,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       testSectionFileOffset,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dataDir,
		}
		binary.Write(&buf, binary.LittleEndian, oh)
	}

	sh := ImageSectionHeader{
		VirtualSize:      virtSize,
		VirtualAddress:   testSectionRVA,
		SizeOfRawData:    sectionRawSize,
		PointerToRawData: testSectionFileOffset,
		Characteristics:  ImageScnCntInitializedData | ImageScnMemRead | ImageScnMemWrite,
	}
	copy(sh.Name[:], "test")
	binary.Write(&buf, binary.LittleEndian, sh)

	if pad := testSectionFileOffset - buf.Len(); pad > 0 {
		buf.Write(make([]byte, pad))
	}
	buf.Write(o.sectionData)
	if pad := int(sectionRawSize) - len(o.sectionData); pad > 0 {
		buf.Write(make([]byte, pad))
	}

	return buf.Bytes()
}

// testImageBase returns the image base used by buildTestImage for the
// requested PE class, matching its defaults unless overridden.
func testImageBase(is64 bool) uint64 {
	if is64 {
		return 0x140000000
	}
	return 0x400000
}
