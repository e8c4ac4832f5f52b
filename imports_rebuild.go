// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "encoding/binary"

// ImportRebuildSettings configures RebuildImports. It mirrors the
// knobs pe-bliss exposes on its import_rebuilder: most packers need to
// preserve the loader-patched IAT at its original RVA while still
// regenerating descriptors and strings, and these fields make each of
// those choices independent.
type ImportRebuildSettings struct {
	// OffsetFromSectionStart is where in Section the new directory begins.
	OffsetFromSectionStart uint32

	// BuildOriginalIAT emits an OIAT table alongside the IAT.
	BuildOriginalIAT bool

	// SaveIATAndOriginalIATRVAs reuses each library's existing FirstThunk
	// and OriginalFirstThunk RVAs instead of allocating fresh ones.
	SaveIATAndOriginalIATRVAs bool

	// RewriteIATAndOriginalIATContents overwrites the bytes at a
	// preserved RVA with freshly computed thunks. Only meaningful when
	// SaveIATAndOriginalIATRVAs is set.
	RewriteIATAndOriginalIATContents bool

	// FillMissingOriginalIATs allocates an OIAT slot block for any
	// library whose OriginalFirstThunk was zero.
	FillMissingOriginalIATs bool

	// AutoSetToPEHeaders writes the new DD[IMPORT] RVA/size back into
	// the NT header once the directory has been laid out.
	AutoSetToPEHeaders bool

	// ZeroDirectoryEntryIAT also zeroes DD[IAT] once the rebuild
	// completes, since this rebuilder never emits a standalone IAT
	// directory entry distinct from the import directory.
	ZeroDirectoryEntryIAT bool

	// AutoStripLastSectionEnabled asks StripDataDirectories to trim the
	// tail of the data directory array after the rebuild.
	AutoStripLastSectionEnabled bool
}

// thunkSize returns sizeof(BaseSize) for the image's PE class.
func (pe *File) thunkSize() uint32 {
	if pe.Is64 {
		return 8
	}
	return 4
}

func (pe *File) ordinalFlag() uint64 {
	if pe.Is64 {
		return imageOrdinalFlag64
	}
	return uint64(imageOrdinalFlag32)
}

// RebuildImports synthesizes a fresh import directory from pe.Imports into
// section, honoring settings, and returns the {RVA, Size} of the
// descriptor array (the strings region is excluded from the reported
// size, matching what the directory entry is expected to cover).
//
// The section must belong to this File; it is filled starting at
// settings.OffsetFromSectionStart. Preflight sizing requires either that
// section is the image's last section (so it can grow) or that it
// already has enough raw bytes past the start offset.
func (pe *File) RebuildImports(section *Section, settings ImportRebuildSettings) (DataDirectory, error) {
	if !pe.ownsSection(section) {
		return DataDirectory{}, ErrSectionNotAttached
	}

	thunkSz := pe.thunkSize()
	ordFlag := pe.ordinalFlag()

	// Layout pass 1: strings region (library names, then hint+name per
	// named function).
	sectionRVA := section.Header.VirtualAddress
	cursor := settings.OffsetFromSectionStart

	var buf []byte
	write := func(p []byte) uint32 {
		rva := sectionRVA + cursor
		buf = append(buf, p...)
		cursor += uint32(len(p))
		return rva
	}

	libNameRVA := make([]uint32, len(pe.Imports))
	funcNameRVA := make([][]uint32, len(pe.Imports))

	for li, lib := range pe.Imports {
		libNameRVA[li] = write(append([]byte(lib.Name), 0))
		funcNameRVA[li] = make([]uint32, len(lib.Functions))
		for fi, fn := range lib.Functions {
			if fn.ByOrdinal {
				continue
			}
			rec := make([]byte, 2, 2+len(fn.Name)+1)
			binary.LittleEndian.PutUint16(rec, fn.Hint)
			rec = append(rec, []byte(fn.Name)...)
			rec = append(rec, 0)
			funcNameRVA[li][fi] = write(rec)
		}
	}

	// Align to thunk size before the descriptor array.
	if rem := cursor % thunkSz; rem != 0 {
		pad := thunkSz - rem
		write(make([]byte, pad))
	}

	descriptorTableRVA := sectionRVA + cursor
	descSize := uint32(20) // sizeof(ImageImportDescriptor)
	cursor += descSize * uint32(len(pe.Imports)+1)

	// Align before thunk tables.
	if rem := cursor % thunkSz; rem != 0 {
		cursor += thunkSz - rem
	}

	iatRVA := make([]uint32, len(pe.Imports))
	oiatRVA := make([]uint32, len(pe.Imports))

	needIAT := make([]bool, len(pe.Imports))
	needOIAT := make([]bool, len(pe.Imports))

	for li, lib := range pe.Imports {
		preserved := settings.SaveIATAndOriginalIATRVAs && lib.Descriptor.FirstThunk != 0
		if preserved {
			iatRVA[li] = lib.Descriptor.FirstThunk
		} else {
			needIAT[li] = true
		}

		hasOIAT := lib.Descriptor.OriginalFirstThunk != 0
		switch {
		case settings.SaveIATAndOriginalIATRVAs && hasOIAT:
			oiatRVA[li] = lib.Descriptor.OriginalFirstThunk
		case hasOIAT && settings.BuildOriginalIAT:
			needOIAT[li] = true
		case !hasOIAT && settings.FillMissingOriginalIATs && settings.BuildOriginalIAT:
			needOIAT[li] = true
		}
	}

	iatTableRVA := sectionRVA + cursor
	for li, lib := range pe.Imports {
		if needIAT[li] {
			iatRVA[li] = sectionRVA + cursor
			cursor += thunkSz * uint32(len(lib.Functions)+1)
		}
	}

	if settings.BuildOriginalIAT {
		for li, lib := range pe.Imports {
			if needOIAT[li] {
				oiatRVA[li] = sectionRVA + cursor
				cursor += thunkSz * uint32(len(lib.Functions)+1)
			}
		}
	}

	totalSize := cursor - settings.OffsetFromSectionStart
	if err := pe.ensureSectionSpace(section, settings.OffsetFromSectionStart, totalSize); err != nil {
		return DataDirectory{}, err
	}

	// Pass 2: emit bytes. buf currently only holds the strings region;
	// append the rest now that every RVA is known.
	thunkBytes := func(rva uint32, ordinal uint32, byOrdinal bool) []byte {
		var value uint64
		if byOrdinal {
			value = ordFlag | uint64(ordinal)
		} else {
			value = uint64(rva)
		}
		out := make([]byte, thunkSz)
		if thunkSz == 8 {
			binary.LittleEndian.PutUint64(out, value)
		} else {
			binary.LittleEndian.PutUint32(out, uint32(value))
		}
		return out
	}

	// Padding between strings and descriptor table.
	for uint32(len(buf))+sectionRVA < descriptorTableRVA {
		buf = append(buf, 0)
	}

	for li, lib := range pe.Imports {
		desc := ImageImportDescriptor{
			TimeDateStamp: lib.Descriptor.TimeDateStamp,
			Name:          libNameRVA[li],
			FirstThunk:    iatRVA[li],
		}
		if oiatRVA[li] != 0 {
			desc.OriginalFirstThunk = oiatRVA[li]
		}
		buf = append(buf, structBytes(desc)...)
	}
	buf = append(buf, make([]byte, descSize)...) // terminating zero descriptor

	for uint32(len(buf))+sectionRVA < iatTableRVA {
		buf = append(buf, 0)
	}

	writeThunkTable := func(li int, writeToBuf bool) []byte {
		lib := pe.Imports[li]
		var table []byte
		for fi, fn := range lib.Functions {
			var rva uint32
			if !fn.ByOrdinal {
				rva = funcNameRVA[li][fi]
			}
			table = append(table, thunkBytes(rva, fn.Ordinal, fn.ByOrdinal)...)
		}
		table = append(table, make([]byte, thunkSz)...)
		if writeToBuf {
			return table
		}
		return nil
	}

	for li := range pe.Imports {
		if needIAT[li] {
			buf = append(buf, writeThunkTable(li, true)...)
		} else if settings.RewriteIATAndOriginalIATContents {
			offset := pe.GetOffsetFromRva(iatRVA[li])
			table := writeThunkTable(li, true)
			if offset+uint32(len(table)) > pe.size {
				return DataDirectory{}, ErrInsufficientSpace
			}
			copy(pe.data[offset:], table)
		}
	}

	if settings.BuildOriginalIAT {
		for li := range pe.Imports {
			if needOIAT[li] {
				buf = append(buf, writeThunkTable(li, true)...)
			} else if settings.RewriteIATAndOriginalIATContents && oiatRVA[li] != 0 {
				offset := pe.GetOffsetFromRva(oiatRVA[li])
				table := writeThunkTable(li, true)
				if offset+uint32(len(table)) > pe.size {
					return DataDirectory{}, ErrInsufficientSpace
				}
				copy(pe.data[offset:], table)
			}
		}
	}

	if err := pe.writeSectionBytes(section, settings.OffsetFromSectionStart, buf); err != nil {
		return DataDirectory{}, err
	}

	dd := DataDirectory{
		VirtualAddress: descriptorTableRVA,
		Size:           cursor - (descriptorTableRVA - sectionRVA),
	}

	if settings.AutoSetToPEHeaders {
		_ = pe.SetDirectoryRVA(ImageDirectoryEntryImport, dd.VirtualAddress)
		_ = pe.SetDirectorySize(ImageDirectoryEntryImport, dd.Size)
		if settings.ZeroDirectoryEntryIAT {
			_ = pe.SetDirectoryRVA(ImageDirectoryEntryIAT, 0)
			_ = pe.SetDirectorySize(ImageDirectoryEntryIAT, 0)
		}
	}

	if settings.AutoStripLastSectionEnabled {
		pe.StripDataDirectories(uint32(ImageDirectoryEntryBaseReloc)+1, false)
	}

	return dd, nil
}

// structBytes little-endian encodes an ImageImportDescriptor without
// relying on reflection-based binary.Write, since all five fields are
// plain uint32s.
func structBytes(desc ImageImportDescriptor) []byte {
	out := make([]byte, 20)
	binary.LittleEndian.PutUint32(out[0:], desc.OriginalFirstThunk)
	binary.LittleEndian.PutUint32(out[4:], desc.TimeDateStamp)
	binary.LittleEndian.PutUint32(out[8:], desc.ForwarderChain)
	binary.LittleEndian.PutUint32(out[12:], desc.Name)
	binary.LittleEndian.PutUint32(out[16:], desc.FirstThunk)
	return out
}
