// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
)

// TLSDirectoryCharacteristicsType represents the type of a TLS directory
// Characteristics.
type TLSDirectoryCharacteristicsType uint32

// TLSDirectory represents tls directory information with callback entries.
type TLSDirectory struct {

	// of type ImageTLSDirectory32 or ImageTLSDirectory64. Start and End
	// hold the VAs read from the image; AddressOfIndex and
	// AddressOfCallBacks hold the matching RVAs.
	Struct interface{} `json:"struct"`

	// of type []uint32 or []uint64, holding the callback RVAs.
	Callbacks interface{} `json:"callbacks"`

	// RawData holds the bytes between StartAddressOfRawData and
	// EndAddressOfRawData, copied out of the image at parse time.
	RawData []byte `json:"raw_data,omitempty"`
}

// ImageTLSDirectory32 represents the IMAGE_TLS_DIRECTORY32 structure.
// It Points to the Thread Local Storage initialization section.
type ImageTLSDirectory32 struct {

	// The starting address of the TLS template. The template is a block of data
	// that is used to initialize TLS data.
	StartAddressOfRawData uint32 `json:"start_address_of_raw_data"`

	// The address of the last byte of the TLS, except for the zero fill.
	// As with the Raw Data Start VA field, this is a VA, not an RVA.
	EndAddressOfRawData uint32 `json:"end_address_of_raw_data"`

	// The location to receive the TLS index, which the loader assigns. This
	// location is in an ordinary data section, so it can be given a symbolic
	// name that is accessible to the program.
	AddressOfIndex uint32 `json:"address_of_index"`

	// The pointer to an array of TLS callback functions. The array is
	// null-terminated, so if no callback function is supported, this field
	// points to 4 bytes set to zero.
	AddressOfCallBacks uint32 `json:"address_of_callbacks"`

	// The size in bytes of the template, beyond the initialized data delimited
	// by the Raw Data Start VA and Raw Data End VA fields. The total template
	// size should be the same as the total size of TLS data in the image file.
	// The zero fill is the amount of data that comes after the initialized
	// nonzero data.
	SizeOfZeroFill uint32 `json:"size_of_zero_fill"`

	// The four bits [23:20] describe alignment info. Possible values are those
	// defined as IMAGE_SCN_ALIGN_*, which are also used to describe alignment
	// of section in object files. The other 28 bits are reserved for future use.
	Characteristics TLSDirectoryCharacteristicsType `json:"characteristics"`
}

// ImageTLSDirectory64 represents the IMAGE_TLS_DIRECTORY64 structure.
// It Points to the Thread Local Storage initialization section.
type ImageTLSDirectory64 struct {
	// The starting address of the TLS template. The template is a block of data
	// that is used to initialize TLS data.
	StartAddressOfRawData uint64 `json:"start_address_of_raw_data"`

	// The address of the last byte of the TLS, except for the zero fill. As
	// with the Raw Data Start VA field, this is a VA, not an RVA.
	EndAddressOfRawData uint64 `json:"end_address_of_raw_data"`

	// The location to receive the TLS index, which the loader assigns. This
	// location is in an ordinary data section, so it can be given a symbolic
	// name that is accessible to the program.
	AddressOfIndex uint64 `json:"address_of_index"`

	// The pointer to an array of TLS callback functions. The array is
	// null-terminated, so if no callback function is supported, this field
	// points to 4 bytes set to zero.
	AddressOfCallBacks uint64 `json:"address_of_callbacks"`

	// The size in bytes of the template, beyond the initialized data delimited
	// by the Raw Data Start VA and Raw Data End VA fields. The total template
	// size should be the same as the total size of TLS data in the image file.
	// The zero fill is the amount of data that comes after the initialized
	// nonzero data.
	SizeOfZeroFill uint32 `json:"size_of_zero_fill"`

	// The four bits [23:20] describe alignment info. Possible values are those
	// defined as IMAGE_SCN_ALIGN_*, which are also used to describe alignment
	// of section in object files. The other 28 bits are reserved for future use.
	Characteristics TLSDirectoryCharacteristicsType `json:"characteristics"`
}

// TLS provides direct PE and COFF support for static thread local storage (TLS).
// TLS is a special storage class that Windows supports in which a data object
// is not an automatic (stack) variable, yet is local to each individual thread
// that runs the code. Thus, each thread can maintain a different value for a
// variable declared by using TLS.
//
// Start/End/AddressOfIndex/AddressOfCallBacks are VAs, not RVAs; a malformed
// but benign record with Start == End that cannot be resolved to an RVA is
// tolerated by normalizing both to zero rather than failing the parse.
// AddressOfIndex, AddressOfCallBacks and each callback are stored in pe.TLS
// as RVAs; Start and End are stored as VAs.
func (pe *File) parseTLSDirectory(rva, size uint32) error {

	tls := TLSDirectory{}
	baseSize := pe.thunkSize()

	var start, end, addressOfIndex, addressOfCallbacks uint64
	var zeroFill uint32
	var characteristics TLSDirectoryCharacteristicsType

	if pe.Is64 {
		tlsDir := ImageTLSDirectory64{}
		tlsSize := uint32(binary.Size(tlsDir))
		fileOffset := pe.GetOffsetFromRva(rva)
		if err := pe.structUnpack(&tlsDir, fileOffset, tlsSize); err != nil {
			return err
		}
		start, end = tlsDir.StartAddressOfRawData, tlsDir.EndAddressOfRawData
		addressOfIndex = tlsDir.AddressOfIndex
		addressOfCallbacks = tlsDir.AddressOfCallBacks
		zeroFill = tlsDir.SizeOfZeroFill
		characteristics = tlsDir.Characteristics
	} else {
		tlsDir := ImageTLSDirectory32{}
		tlsSize := uint32(binary.Size(tlsDir))
		fileOffset := pe.GetOffsetFromRva(rva)
		if err := pe.structUnpack(&tlsDir, fileOffset, tlsSize); err != nil {
			return err
		}
		start, end = uint64(tlsDir.StartAddressOfRawData), uint64(tlsDir.EndAddressOfRawData)
		addressOfIndex = uint64(tlsDir.AddressOfIndex)
		addressOfCallbacks = uint64(tlsDir.AddressOfCallBacks)
		zeroFill = tlsDir.SizeOfZeroFill
		characteristics = tlsDir.Characteristics
	}

	if start == end {
		if _, ok := pe.vaToRVAUnchecked(end); !ok {
			start, end = 0, 0
		}
	}

	if start != 0 {
		if end < start {
			return ErrIncorrectTLSDirectory
		}
		startRVA, ok := pe.vaToRVAUnchecked(start)
		if !ok {
			return ErrIncorrectTLSDirectory
		}
		rawLen := uint32(end - start)
		section := pe.getSectionByRva(startRVA)
		if section != nil {
			avail := section.Header.VirtualAddress + section.Header.VirtualSize
			if startRVA+rawLen > avail {
				return ErrIncorrectTLSDirectory
			}
		}
		raw, err := pe.GetData(startRVA, rawLen)
		if err != nil || uint32(len(raw)) < rawLen {
			return ErrIncorrectTLSDirectory
		}
		tls.RawData = append([]byte(nil), raw...)
	}

	indexRVA, _ := pe.vaToRVAUnchecked(addressOfIndex)
	callbacksRVA, _ := pe.vaToRVAUnchecked(addressOfCallbacks)

	if pe.Is64 {
		tls.Struct = ImageTLSDirectory64{
			StartAddressOfRawData: start,
			EndAddressOfRawData:   end,
			AddressOfIndex:        uint64(indexRVA),
			AddressOfCallBacks:    uint64(callbacksRVA),
			SizeOfZeroFill:        zeroFill,
			Characteristics:       characteristics,
		}
	} else {
		tls.Struct = ImageTLSDirectory32{
			StartAddressOfRawData: uint32(start),
			EndAddressOfRawData:   uint32(end),
			AddressOfIndex:        indexRVA,
			AddressOfCallBacks:    callbacksRVA,
			SizeOfZeroFill:        zeroFill,
			Characteristics:       characteristics,
		}
	}

	if addressOfCallbacks != 0 {
		offset := pe.GetOffsetFromRva(callbacksRVA)
		if pe.Is64 {
			var callbacks []uint64
			for {
				c, err := pe.ReadUint64(offset)
				if err != nil || c == 0 {
					break
				}
				rva, ok := pe.vaToRVAUnchecked(c)
				if !ok {
					break
				}
				callbacks = append(callbacks, uint64(rva))
				offset += baseSize
			}
			tls.Callbacks = callbacks
		} else {
			var callbacks []uint32
			for {
				c, err := pe.ReadUint32(offset)
				if err != nil || c == 0 {
					break
				}
				rva, ok := pe.vaToRVAUnchecked(uint64(c))
				if !ok {
					break
				}
				callbacks = append(callbacks, rva)
				offset += baseSize
			}
			tls.Callbacks = callbacks
		}
	}

	pe.TLS = tls
	pe.HasTLS = true
	return nil
}

// TLSRebuildSettings configures RebuildTLS. WriteRawData and
// WriteCallbacks mirror pe-bliss's tls_rebuilder flags: a caller
// regenerating only the callback table (common after instrumenting entry
// points) need not re-emit the raw template data, and vice versa.
type TLSRebuildSettings struct {
	// OffsetFromSectionStart is where in Section the TLS record begins.
	OffsetFromSectionStart uint32

	// WriteRawData also emits the stored RawData bytes at Start.
	WriteRawData bool

	// WriteCallbacks also emits the callback VA array, terminated by a
	// zero VA, at the callbacks field.
	WriteCallbacks bool

	// AutoSetToPEHeaders writes the new DD[TLS] RVA/size back into the NT
	// header once the record has been laid out.
	AutoSetToPEHeaders bool
}

// tlsRecordSize returns sizeof(IMAGE_TLS_DIRECTORY32/64).
func (pe *File) tlsRecordSize() uint32 {
	if pe.Is64 {
		return 40 // 4 x uint64 + SizeOfZeroFill(u32) + Characteristics(u32)
	}
	return 24 // 4 x uint32 fields + SizeOfZeroFill(u32) + Characteristics(u32)
}

// RebuildTLS writes pe.TLS back into section per settings and returns the
// {RVA, Size} of the TLS record itself (raw data and callbacks, if
// written, live at the VAs recorded in the record and are not included in
// the reported size).
func (pe *File) RebuildTLS(section *Section, settings TLSRebuildSettings) (DataDirectory, error) {
	if !pe.ownsSection(section) {
		return DataDirectory{}, ErrSectionNotAttached
	}

	baseSize := pe.thunkSize()
	sectionRVA := section.Header.VirtualAddress
	cursor := settings.OffsetFromSectionStart
	if rem := cursor % baseSize; rem != 0 {
		cursor += baseSize - rem
	}
	recordRVA := sectionRVA + cursor

	recordSize := pe.tlsRecordSize()

	totalSize := (cursor - settings.OffsetFromSectionStart) + recordSize
	if err := pe.ensureSectionSpace(section, settings.OffsetFromSectionStart, totalSize); err != nil {
		return DataDirectory{}, err
	}

	imageBase := pe.ImageBase()
	toVA := func(rva uint64) uint64 {
		if rva == 0 {
			return 0
		}
		return rva + imageBase
	}

	buf := make([]byte, recordSize)
	if pe.Is64 {
		t, _ := pe.TLS.Struct.(ImageTLSDirectory64)
		binary.LittleEndian.PutUint64(buf[0:], t.StartAddressOfRawData)
		binary.LittleEndian.PutUint64(buf[8:], t.EndAddressOfRawData)
		binary.LittleEndian.PutUint64(buf[16:], toVA(t.AddressOfIndex))
		binary.LittleEndian.PutUint64(buf[24:], toVA(t.AddressOfCallBacks))
		binary.LittleEndian.PutUint32(buf[32:], t.SizeOfZeroFill)
		binary.LittleEndian.PutUint32(buf[36:], uint32(t.Characteristics))
	} else {
		t, _ := pe.TLS.Struct.(ImageTLSDirectory32)
		binary.LittleEndian.PutUint32(buf[0:], t.StartAddressOfRawData)
		binary.LittleEndian.PutUint32(buf[4:], t.EndAddressOfRawData)
		binary.LittleEndian.PutUint32(buf[8:], uint32(toVA(uint64(t.AddressOfIndex))))
		binary.LittleEndian.PutUint32(buf[12:], uint32(toVA(uint64(t.AddressOfCallBacks))))
		binary.LittleEndian.PutUint32(buf[16:], t.SizeOfZeroFill)
		binary.LittleEndian.PutUint32(buf[20:], uint32(t.Characteristics))
	}

	if err := pe.writeSectionBytes(section, cursor, buf); err != nil {
		return DataDirectory{}, err
	}

	if settings.WriteRawData && len(pe.TLS.RawData) > 0 {
		if err := pe.writeAtVA(pe.tlsStartVA(), pe.TLS.RawData); err != nil {
			return DataDirectory{}, err
		}
	}

	if settings.WriteCallbacks {
		if callbacksVA := pe.tlsCallbacksVA(); callbacksVA != 0 {
			list := pe.tlsCallbackList()
			cbBuf := make([]byte, (len(list)+1)*int(baseSize))
			for i, v := range list {
				if baseSize == 8 {
					binary.LittleEndian.PutUint64(cbBuf[i*8:], toVA(v))
				} else {
					binary.LittleEndian.PutUint32(cbBuf[i*4:], uint32(toVA(v)))
				}
			}
			if err := pe.writeAtVA(callbacksVA, cbBuf); err != nil {
				return DataDirectory{}, err
			}
		}
	}

	dd := DataDirectory{VirtualAddress: recordRVA, Size: recordSize}
	if settings.AutoSetToPEHeaders {
		_ = pe.SetDirectoryRVA(ImageDirectoryEntryTLS, dd.VirtualAddress)
		_ = pe.SetDirectorySize(ImageDirectoryEntryTLS, dd.Size)
	}
	return dd, nil
}

// writeAtVA resolves va to a section-relative offset and writes data
// there, growing the owning section if it is the image's last section.
func (pe *File) writeAtVA(va uint64, data []byte) error {
	rva, ok := pe.vaToRVAUnchecked(va)
	if !ok {
		return ErrIncorrectTLSDirectory
	}
	header := pe.getSectionByRva(rva)
	if header == nil {
		return ErrInsufficientSpace
	}
	section := pe.sectionPtr(header)
	offsetInSection := rva - section.Header.VirtualAddress
	if err := pe.ensureSectionSpace(section, offsetInSection, uint32(len(data))); err != nil {
		return err
	}
	return pe.writeSectionBytes(section, offsetInSection, data)
}

// tlsStartVA, tlsCallbacksVA and tlsCallbackList unwrap the width-tagged
// interface fields on pe.TLS for the rebuilder.
func (pe *File) tlsStartVA() uint64 {
	if pe.Is64 {
		t, _ := pe.TLS.Struct.(ImageTLSDirectory64)
		return t.StartAddressOfRawData
	}
	t, _ := pe.TLS.Struct.(ImageTLSDirectory32)
	return uint64(t.StartAddressOfRawData)
}

func (pe *File) tlsCallbacksVA() uint64 {
	var rva uint64
	if pe.Is64 {
		t, _ := pe.TLS.Struct.(ImageTLSDirectory64)
		rva = t.AddressOfCallBacks
	} else {
		t, _ := pe.TLS.Struct.(ImageTLSDirectory32)
		rva = uint64(t.AddressOfCallBacks)
	}
	if rva == 0 {
		return 0
	}
	return rva + pe.ImageBase()
}

func (pe *File) tlsCallbackList() []uint64 {
	if pe.Is64 {
		cb, _ := pe.TLS.Callbacks.([]uint64)
		return cb
	}
	cb, _ := pe.TLS.Callbacks.([]uint32)
	out := make([]uint64, len(cb))
	for i, v := range cb {
		out[i] = uint64(v)
	}
	return out
}

// sectionPtr returns the *Section in pe.Sections backing the copy of a
// *Section returned by getSectionByRva.
func (pe *File) sectionPtr(header *Section) *Section {
	for i := range pe.Sections {
		if pe.Sections[i].Header.VirtualAddress == header.Header.VirtualAddress {
			return &pe.Sections[i]
		}
	}
	return nil
}

// String returns the string representations of the `Characteristics` field of
// TLS directory.
func (characteristics TLSDirectoryCharacteristicsType) String() string {

	m := map[TLSDirectoryCharacteristicsType]string{
		ImageScnAlign1Bytes:    "Align 1-Byte",
		ImageScnAlign2Bytes:    "Align 2-Bytes",
		ImageScnAlign4Bytes:    "Align 4-Bytes",
		ImageScnAlign8Bytes:    "Align 8-Bytes",
		ImageScnAlign16Bytes:   "Align 16-Bytes",
		ImageScnAlign32Bytes:   "Align 32-Bytes",
		ImageScnAlign64Bytes:   "Align 64-Bytes",
		ImageScnAlign128Bytes:  "Align 128-Bytes",
		ImageScnAlign256Bytes:  "Align 256-Bytes",
		ImageScnAlign512Bytes:  "Align 512-Bytes",
		ImageScnAlign1024Bytes: "Align 1024-Bytes",
		ImageScnAlign2048Bytes: "Align 2048-Bytes",
		ImageScnAlign4096Bytes: "Align 4096-Bytes",
		ImageScnAlign8192Bytes: "Align 8192-Bytes",
	}

	v, ok := m[characteristics]
	if ok {
		return v
	}

	return "?"
}
