// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"sort"
)

// ImageLoadConfigDirectory32 contains the load configuration data of a
// PE32 image, trimmed to the pre-CFG field set: process heap tuning,
// the /GS security cookie, and the x86 SE handler table. Control Flow
// Guard, enclave and hybrid-PE metadata were added to the structure long
// after these fields stabilized and are out of scope here.
type ImageLoadConfigDirectory32 struct {
	// The actual size of the structure. Must equal binary.Size of this
	// struct for the record to be accepted; this rejects the legacy
	// 64-byte Windows XP SEH-only variant along with anything newer.
	Size uint32 `json:"size"`

	TimeDateStamp uint32 `json:"time_date_stamp"`
	MajorVersion  uint16 `json:"major_version"`
	MinorVersion  uint16 `json:"minor_version"`

	// The global loader flags to clear/set for this process as the
	// loader starts it.
	GlobalFlagsClear uint32 `json:"global_flags_clear"`
	GlobalFlagsSet   uint32 `json:"global_flags_set"`

	// The default timeout value for this process's critical sections.
	CriticalSectionDefaultTimeout uint32 `json:"critical_section_default_timeout"`

	// Memory that must be freed before it is returned to the system, and
	// the total amount of free memory, in bytes.
	DeCommitFreeBlockThreshold uint32 `json:"de_commit_free_block_threshold"`
	DeCommitTotalFreeThreshold uint32 `json:"de_commit_total_free_threshold"`

	// [x86 only] The VA of a list of addresses where the LOCK prefix is
	// used so they can be replaced with NOP on single-processor machines.
	LockPrefixTable uint32 `json:"lock_prefix_table"`

	MaximumAllocationSize  uint32 `json:"maximum_allocation_size"`
	VirtualMemoryThreshold uint32 `json:"virtual_memory_threshold"`
	ProcessHeapFlags       uint32 `json:"process_heap_flags"`
	ProcessAffinityMask    uint32 `json:"process_affinity_mask"`
	CSDVersion             uint16 `json:"csd_version"`
	Reserved1              uint16 `json:"reserved_1"`
	EditList               uint32 `json:"edit_list"`

	// A pointer to a cookie used by the /GS implementation.
	SecurityCookie uint32 `json:"security_cookie"`

	// [x86 only] The VA of the sorted table of RVAs of each valid,
	// unique SE handler in the image, and the count of entries.
	SEHandlerTable uint32 `json:"se_handler_table"`
	SEHandlerCount uint32 `json:"se_handler_count"`
}

// ImageLoadConfigDirectory64 is the PE32+ counterpart of
// ImageLoadConfigDirectory32. SEHandlerTable/SEHandlerCount are kept for
// struct-shape parity with the 32-bit record even though x64 uses
// table-based exception handling instead of SEH chains; the loader
// ignores them on x64.
type ImageLoadConfigDirectory64 struct {
	Size                          uint32 `json:"size"`
	TimeDateStamp                 uint32 `json:"time_date_stamp"`
	MajorVersion                  uint16 `json:"major_version"`
	MinorVersion                  uint16 `json:"minor_version"`
	GlobalFlagsClear              uint32 `json:"global_flags_clear"`
	GlobalFlagsSet                uint32 `json:"global_flags_set"`
	CriticalSectionDefaultTimeout uint32 `json:"critical_section_default_timeout"`
	DeCommitFreeBlockThreshold    uint64 `json:"de_commit_free_block_threshold"`
	DeCommitTotalFreeThreshold    uint64 `json:"de_commit_total_free_threshold"`
	LockPrefixTable               uint64 `json:"lock_prefix_table"`
	MaximumAllocationSize         uint64 `json:"maximum_allocation_size"`
	VirtualMemoryThreshold        uint64 `json:"virtual_memory_threshold"`
	ProcessAffinityMask           uint64 `json:"process_affinity_mask"`
	ProcessHeapFlags              uint32 `json:"process_heap_flags"`
	CSDVersion                    uint16 `json:"csd_version"`
	Reserved1                     uint16 `json:"reserved_1"`
	EditList                      uint64 `json:"edit_list"`
	SecurityCookie                uint64 `json:"security_cookie"`
	SEHandlerTable                uint64 `json:"se_handler_table"`
	SEHandlerCount                uint64 `json:"se_handler_count"`
}

// LoadConfig is the in-memory model of the load-configuration directory:
// the fixed record plus the two VA-terminated/counted tables it can point
// at.
type LoadConfig struct {
	// of type ImageLoadConfigDirectory32 or ImageLoadConfigDirectory64.
	Struct interface{} `json:"struct"`

	// SEH holds the RVAs of each unique SE handler, read from
	// SEHandlerTable/SEHandlerCount for either PE class; it is empty when
	// either field is zero.
	SEH []uint32 `json:"seh"`

	// LockPrefixes holds the RVAs from LockPrefixTable, read until a
	// zero VA is seen.
	LockPrefixes []uint32 `json:"lock_prefixes"`
}

// parseLoadConfigDirectory reads the load-configuration record at rva.
// The record's own Size field must equal the expected struct size for
// this PE class; anything else (legacy truncated configs, or a newer
// layout this reader does not model) is rejected rather than guessed at.
func (pe *File) parseLoadConfigDirectory(rva, size uint32) error {

	fileOffset := pe.GetOffsetFromRva(rva)

	var expectedSize uint32
	if pe.Is64 {
		expectedSize = uint32(binary.Size(ImageLoadConfigDirectory64{}))
	} else {
		expectedSize = uint32(binary.Size(ImageLoadConfigDirectory32{}))
	}

	structSize, err := pe.ReadUint32(fileOffset)
	if err != nil {
		return err
	}
	if structSize != expectedSize {
		return ErrIncorrectConfigDirectory
	}

	var lockPrefixTableVA uint64
	var sehHandlerTableVA uint64
	var sehHandlerCount uint64
	cfg := LoadConfig{}

	if pe.Is64 {
		loadCfg := ImageLoadConfigDirectory64{}
		if err := pe.structUnpack(&loadCfg, fileOffset, expectedSize); err != nil {
			return err
		}
		cfg.Struct = loadCfg
		lockPrefixTableVA = loadCfg.LockPrefixTable
		sehHandlerTableVA = loadCfg.SEHandlerTable
		sehHandlerCount = loadCfg.SEHandlerCount
	} else {
		loadCfg := ImageLoadConfigDirectory32{}
		if err := pe.structUnpack(&loadCfg, fileOffset, expectedSize); err != nil {
			return err
		}
		cfg.Struct = loadCfg
		lockPrefixTableVA = uint64(loadCfg.LockPrefixTable)
		sehHandlerTableVA = uint64(loadCfg.SEHandlerTable)
		sehHandlerCount = uint64(loadCfg.SEHandlerCount)
	}

	if sehHandlerTableVA != 0 && sehHandlerCount > 0 {
		total := sehHandlerCount * 4
		if total/4 != sehHandlerCount {
			return ErrIncorrectConfigDirectory
		}
		tableRVA, ok := pe.vaToRVAUnchecked(sehHandlerTableVA)
		if !ok {
			return ErrIncorrectConfigDirectory
		}
		offset := pe.GetOffsetFromRva(tableRVA)
		for i := uint64(0); i < sehHandlerCount; i++ {
			handler, err := pe.ReadUint32(offset)
			if err != nil {
				break
			}
			cfg.SEH = append(cfg.SEH, handler)
			offset += 4
		}
	}

	if lockPrefixTableVA != 0 {
		rva, ok := pe.vaToRVAUnchecked(lockPrefixTableVA)
		if ok {
			offset := pe.GetOffsetFromRva(rva)
			baseSize := pe.thunkSize()
			for {
				var va uint64
				var err error
				if baseSize == 8 {
					va, err = pe.ReadUint64(offset)
				} else {
					var v32 uint32
					v32, err = pe.ReadUint32(offset)
					va = uint64(v32)
				}
				if err != nil || va == 0 {
					break
				}
				entryRVA, ok := pe.vaToRVAUnchecked(va)
				if !ok {
					break
				}
				cfg.LockPrefixes = append(cfg.LockPrefixes, entryRVA)
				offset += baseSize
			}
		}
	}

	pe.LoadConfig = cfg
	pe.HasLoadCFG = true
	return nil
}

// LoadConfigRebuildSettings configures RebuildLoadConfig.
type LoadConfigRebuildSettings struct {
	// OffsetFromSectionStart is where in Section the record begins.
	OffsetFromSectionStart uint32

	// WriteSEHTable also emits the sorted SEH handler RVA list.
	WriteSEHTable bool

	// WriteLockPrefixes also emits the zero-terminated lock-prefix VA
	// list.
	WriteLockPrefixes bool

	// AutoSetToPEHeaders writes the new DD[LOAD_CONFIG] RVA/size back
	// into the NT header once the record has been laid out.
	AutoSetToPEHeaders bool
}

// RebuildLoadConfig writes pe.LoadConfig back into section per settings.
// The SEH handler table is sorted ascending before being written,
// matching the loader's binary-search expectation over the table. Empty
// lists collapse the corresponding VA field in the emitted record to
// zero instead of pointing at a zero-length table.
func (pe *File) RebuildLoadConfig(section *Section, settings LoadConfigRebuildSettings) (DataDirectory, error) {
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

	var recordSize uint32
	if pe.Is64 {
		recordSize = uint32(binary.Size(ImageLoadConfigDirectory64{}))
	} else {
		recordSize = uint32(binary.Size(ImageLoadConfigDirectory32{}))
	}

	tableCursor := cursor + recordSize
	if rem := tableCursor % baseSize; rem != 0 {
		tableCursor += baseSize - rem
	}

	sehHandlers := append([]uint32(nil), pe.LoadConfig.SEH...)
	sort.Slice(sehHandlers, func(i, j int) bool { return sehHandlers[i] < sehHandlers[j] })

	var sehTableRVA uint32
	if settings.WriteSEHTable && len(sehHandlers) > 0 {
		sehTableRVA = sectionRVA + tableCursor
		tableCursor += uint32(len(sehHandlers)) * 4
	}

	var lockTableRVA uint32
	if settings.WriteLockPrefixes && len(pe.LoadConfig.LockPrefixes) > 0 {
		if rem := tableCursor % baseSize; rem != 0 {
			tableCursor += baseSize - rem
		}
		lockTableRVA = sectionRVA + tableCursor
		tableCursor += (uint32(len(pe.LoadConfig.LockPrefixes)) + 1) * baseSize
	}

	totalSize := tableCursor - settings.OffsetFromSectionStart
	if err := pe.ensureSectionSpace(section, settings.OffsetFromSectionStart, totalSize); err != nil {
		return DataDirectory{}, err
	}

	buf := make([]byte, recordSize)
	imageBase := pe.ImageBase()
	if pe.Is64 {
		cfg, _ := pe.LoadConfig.Struct.(ImageLoadConfigDirectory64)
		cfg.SEHandlerTable, cfg.SEHandlerCount = 0, 0
		if sehTableRVA != 0 {
			cfg.SEHandlerTable = imageBase + uint64(sehTableRVA)
			cfg.SEHandlerCount = uint64(len(sehHandlers))
		}
		cfg.LockPrefixTable = 0
		if lockTableRVA != 0 {
			cfg.LockPrefixTable = imageBase + uint64(lockTableRVA)
		}
		writeLoadConfig64(buf, cfg)
	} else {
		cfg, _ := pe.LoadConfig.Struct.(ImageLoadConfigDirectory32)
		cfg.SEHandlerTable, cfg.SEHandlerCount = 0, 0
		if sehTableRVA != 0 {
			cfg.SEHandlerTable = uint32(imageBase) + sehTableRVA
			cfg.SEHandlerCount = uint32(len(sehHandlers))
		}
		cfg.LockPrefixTable = 0
		if lockTableRVA != 0 {
			cfg.LockPrefixTable = uint32(imageBase) + lockTableRVA
		}
		writeLoadConfig32(buf, cfg)
	}

	if err := pe.writeSectionBytes(section, cursor, buf); err != nil {
		return DataDirectory{}, err
	}

	if sehTableRVA != 0 {
		sehBuf := make([]byte, len(sehHandlers)*4)
		for i, rva := range sehHandlers {
			binary.LittleEndian.PutUint32(sehBuf[i*4:], rva)
		}
		if err := pe.writeSectionBytes(section, sehTableRVA-sectionRVA, sehBuf); err != nil {
			return DataDirectory{}, err
		}
	}

	if lockTableRVA != 0 {
		lockBuf := make([]byte, (len(pe.LoadConfig.LockPrefixes)+1)*int(baseSize))
		for i, rva := range pe.LoadConfig.LockPrefixes {
			va := imageBase + uint64(rva)
			if baseSize == 8 {
				binary.LittleEndian.PutUint64(lockBuf[i*8:], va)
			} else {
				binary.LittleEndian.PutUint32(lockBuf[i*4:], uint32(va))
			}
		}
		if err := pe.writeSectionBytes(section, lockTableRVA-sectionRVA, lockBuf); err != nil {
			return DataDirectory{}, err
		}
	}

	dd := DataDirectory{VirtualAddress: recordRVA, Size: recordSize}
	if settings.AutoSetToPEHeaders {
		_ = pe.SetDirectoryRVA(ImageDirectoryEntryLoadConfig, dd.VirtualAddress)
		_ = pe.SetDirectorySize(ImageDirectoryEntryLoadConfig, dd.Size)
	}
	return dd, nil
}

func writeLoadConfig32(buf []byte, cfg ImageLoadConfigDirectory32) {
	binary.LittleEndian.PutUint32(buf[0:], cfg.Size)
	binary.LittleEndian.PutUint32(buf[4:], cfg.TimeDateStamp)
	binary.LittleEndian.PutUint16(buf[8:], cfg.MajorVersion)
	binary.LittleEndian.PutUint16(buf[10:], cfg.MinorVersion)
	binary.LittleEndian.PutUint32(buf[12:], cfg.GlobalFlagsClear)
	binary.LittleEndian.PutUint32(buf[16:], cfg.GlobalFlagsSet)
	binary.LittleEndian.PutUint32(buf[20:], cfg.CriticalSectionDefaultTimeout)
	binary.LittleEndian.PutUint32(buf[24:], cfg.DeCommitFreeBlockThreshold)
	binary.LittleEndian.PutUint32(buf[28:], cfg.DeCommitTotalFreeThreshold)
	binary.LittleEndian.PutUint32(buf[32:], cfg.LockPrefixTable)
	binary.LittleEndian.PutUint32(buf[36:], cfg.MaximumAllocationSize)
	binary.LittleEndian.PutUint32(buf[40:], cfg.VirtualMemoryThreshold)
	binary.LittleEndian.PutUint32(buf[44:], cfg.ProcessHeapFlags)
	binary.LittleEndian.PutUint32(buf[48:], cfg.ProcessAffinityMask)
	binary.LittleEndian.PutUint16(buf[52:], cfg.CSDVersion)
	binary.LittleEndian.PutUint16(buf[54:], cfg.Reserved1)
	binary.LittleEndian.PutUint32(buf[56:], cfg.EditList)
	binary.LittleEndian.PutUint32(buf[60:], cfg.SecurityCookie)
	binary.LittleEndian.PutUint32(buf[64:], cfg.SEHandlerTable)
	binary.LittleEndian.PutUint32(buf[68:], cfg.SEHandlerCount)
}

func writeLoadConfig64(buf []byte, cfg ImageLoadConfigDirectory64) {
	binary.LittleEndian.PutUint32(buf[0:], cfg.Size)
	binary.LittleEndian.PutUint32(buf[4:], cfg.TimeDateStamp)
	binary.LittleEndian.PutUint16(buf[8:], cfg.MajorVersion)
	binary.LittleEndian.PutUint16(buf[10:], cfg.MinorVersion)
	binary.LittleEndian.PutUint32(buf[12:], cfg.GlobalFlagsClear)
	binary.LittleEndian.PutUint32(buf[16:], cfg.GlobalFlagsSet)
	binary.LittleEndian.PutUint32(buf[20:], cfg.CriticalSectionDefaultTimeout)
	binary.LittleEndian.PutUint64(buf[24:], cfg.DeCommitFreeBlockThreshold)
	binary.LittleEndian.PutUint64(buf[32:], cfg.DeCommitTotalFreeThreshold)
	binary.LittleEndian.PutUint64(buf[40:], cfg.LockPrefixTable)
	binary.LittleEndian.PutUint64(buf[48:], cfg.MaximumAllocationSize)
	binary.LittleEndian.PutUint64(buf[56:], cfg.VirtualMemoryThreshold)
	binary.LittleEndian.PutUint64(buf[64:], cfg.ProcessAffinityMask)
	binary.LittleEndian.PutUint32(buf[72:], cfg.ProcessHeapFlags)
	binary.LittleEndian.PutUint16(buf[76:], cfg.CSDVersion)
	binary.LittleEndian.PutUint16(buf[78:], cfg.Reserved1)
	binary.LittleEndian.PutUint64(buf[80:], cfg.EditList)
	binary.LittleEndian.PutUint64(buf[88:], cfg.SecurityCookie)
	binary.LittleEndian.PutUint64(buf[96:], cfg.SEHandlerTable)
	binary.LittleEndian.PutUint64(buf[104:], cfg.SEHandlerCount)
}
