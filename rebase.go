// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// Rebase patches every in-place address recorded in the base relocation
// table for a new load address, then updates the parsed ImageBase to
// match; the ImageBase bytes of the optional header are not rewritten. Each
// relocation entry's page RVA plus its 12-bit offset locates a field in
// the image; that field holds an address computed against the old
// ImageBase, and is adjusted by the signed delta between the old and new
// bases. ImageRelBasedAbsolute entries are padding and are skipped.
// ImageRelBasedHighLow patches a 32-bit field (PE32), ImageRelBasedDir64
// patches a 64-bit field (PE32+); any other relocation type is left
// untouched since this library only targets the two relocation kinds a
// Windows x86/x64 linker emits.
func (pe *File) Rebase(newBase uint64) error {
	oldBase := pe.ImageBase()
	delta := int64(newBase) - int64(oldBase)

	for _, table := range pe.Relocations {
		pageRVA := table.Data.VirtualAddress
		for _, entry := range table.Entries {
			rva := pageRVA + uint32(entry.Offset)

			switch entry.Type {
			case ImageRelBasedAbsolute:
				continue

			case ImageBaseRelocationEntryType(ImageRelBasedHighLow):
				offset := pe.GetOffsetFromRva(rva)
				value, err := pe.ReadUint32(offset)
				if err != nil {
					return ErrAddressOutOfSection
				}
				patched := uint32(int64(value) + delta)
				if err := pe.writeUint32(offset, patched); err != nil {
					return err
				}

			case ImageBaseRelocationEntryType(ImageRelBasedDir64):
				offset := pe.GetOffsetFromRva(rva)
				value, err := pe.ReadUint64(offset)
				if err != nil {
					return ErrAddressOutOfSection
				}
				patched := uint64(int64(value) + delta)
				if err := pe.writeUint64(offset, patched); err != nil {
					return err
				}
			}
		}
	}

	if pe.Is64 {
		pe.SetImageBase64(newBase)
	} else {
		if newBase > 0xffffffff {
			return ErrIncorrectAddressConversion
		}
		pe.SetImageBase(uint32(newBase))
	}

	return nil
}
