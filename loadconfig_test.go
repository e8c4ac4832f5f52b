// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"testing"
)

func buildLoadConfig32(t *testing.T, secCookie, lockTableVA, sehTableVA, sehCount uint32) []byte {
	t.Helper()
	buf := make([]byte, binary.Size(ImageLoadConfigDirectory32{}))
	cfg := ImageLoadConfigDirectory32{
		Size:            uint32(len(buf)),
		TimeDateStamp:   0x5a4d1234,
		SecurityCookie:  secCookie,
		LockPrefixTable: lockTableVA,
		SEHandlerTable:  sehTableVA,
		SEHandlerCount:  sehCount,
	}
	writeLoadConfig32(buf, cfg)
	return buf
}

func buildLoadConfig64(t *testing.T, secCookie, lockTableVA uint64) []byte {
	t.Helper()
	buf := make([]byte, binary.Size(ImageLoadConfigDirectory64{}))
	cfg := ImageLoadConfigDirectory64{
		Size:            uint32(len(buf)),
		TimeDateStamp:   0x5a4d1234,
		SecurityCookie:  secCookie,
		LockPrefixTable: lockTableVA,
	}
	writeLoadConfig64(buf, cfg)
	return buf
}

func TestParseLoadConfigDirectory32(t *testing.T) {
	base := uint32(testImageBase(false))

	// section data layout: [0:Size32] record, then 3 SEH RVAs, then a
	// zero-terminated lock-prefix VA list.
	recSize := uint32(binary.Size(ImageLoadConfigDirectory32{}))
	sehTableOff := recSize
	lockTableOff := sehTableOff + 3*4

	sectionVA := base + testSectionRVA
	sehTableVA := sectionVA + sehTableOff
	lockTableVA := sectionVA + lockTableOff

	data := make([]byte, lockTableOff+2*4)
	copy(data, buildLoadConfig32(t, 0xdeadbeef, lockTableVA, sehTableVA, 3))
	binary.LittleEndian.PutUint32(data[sehTableOff:], 0x3000)
	binary.LittleEndian.PutUint32(data[sehTableOff+4:], 0x1000)
	binary.LittleEndian.PutUint32(data[sehTableOff+8:], 0x2000)
	binary.LittleEndian.PutUint32(data[lockTableOff:], sectionVA+0x10)
	binary.LittleEndian.PutUint32(data[lockTableOff+4:], 0)

	img := buildTestImage(testImageOptions{
		sectionData: data,
		dirEntry:    ImageDirectoryEntryLoadConfig,
		dirRVA:      testSectionRVA,
		dirSize:     recSize,
	})

	file, err := NewBytes(img, &Options{})
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !file.HasLoadCFG {
		t.Fatal("HasLoadCFG not set")
	}

	cfg, ok := file.LoadConfig.Struct.(ImageLoadConfigDirectory32)
	if !ok {
		t.Fatalf("LoadConfig.Struct has wrong type: %T", file.LoadConfig.Struct)
	}
	if cfg.SecurityCookie != 0xdeadbeef {
		t.Errorf("SecurityCookie = %#x, want %#x", cfg.SecurityCookie, 0xdeadbeef)
	}

	wantSEH := []uint32{0x3000, 0x1000, 0x2000}
	if len(file.LoadConfig.SEH) != len(wantSEH) {
		t.Fatalf("SEH entries = %d, want %d", len(file.LoadConfig.SEH), len(wantSEH))
	}
	for i, v := range wantSEH {
		if file.LoadConfig.SEH[i] != v {
			t.Errorf("SEH[%d] = %#x, want %#x", i, file.LoadConfig.SEH[i], v)
		}
	}

	if len(file.LoadConfig.LockPrefixes) != 1 || file.LoadConfig.LockPrefixes[0] != testSectionRVA+0x10 {
		t.Errorf("LockPrefixes = %v, want [%#x]", file.LoadConfig.LockPrefixes, testSectionRVA+0x10)
	}
}

func TestParseLoadConfigDirectory64(t *testing.T) {
	base := testImageBase(true)
	recSize := uint32(binary.Size(ImageLoadConfigDirectory64{}))
	sectionVA := base + testSectionRVA

	data := buildLoadConfig64(t, 0x1122334455667788, sectionVA+uint64(recSize))
	data = append(data, make([]byte, 0x20)...)
	binary.LittleEndian.PutUint64(data[recSize:], sectionVA+0x20)
	binary.LittleEndian.PutUint64(data[recSize+8:], 0)

	img := buildTestImage(testImageOptions{
		is64:        true,
		sectionData: data,
		dirEntry:    ImageDirectoryEntryLoadConfig,
		dirRVA:      testSectionRVA,
		dirSize:     recSize,
	})

	file, err := NewBytes(img, &Options{})
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, ok := file.LoadConfig.Struct.(ImageLoadConfigDirectory64)
	if !ok {
		t.Fatalf("LoadConfig.Struct has wrong type: %T", file.LoadConfig.Struct)
	}
	if cfg.SecurityCookie != 0x1122334455667788 {
		t.Errorf("SecurityCookie = %#x, want %#x", cfg.SecurityCookie, uint64(0x1122334455667788))
	}
	if len(file.LoadConfig.SEH) != 0 {
		t.Errorf("SEH should be empty on PE32+, got %v", file.LoadConfig.SEH)
	}
	if len(file.LoadConfig.LockPrefixes) != 1 || file.LoadConfig.LockPrefixes[0] != testSectionRVA+0x20 {
		t.Errorf("LockPrefixes = %v, want [%#x]", file.LoadConfig.LockPrefixes, testSectionRVA+0x20)
	}
}

func TestParseLoadConfigDirectoryBadSize(t *testing.T) {
	recSize := uint32(binary.Size(ImageLoadConfigDirectory32{}))
	data := make([]byte, recSize)
	// Claim a size other than the PE32 record size.
	binary.LittleEndian.PutUint32(data, 0x40)

	img := buildTestImage(testImageOptions{
		sectionData: data,
		dirEntry:    ImageDirectoryEntryLoadConfig,
		dirRVA:      testSectionRVA,
		dirSize:     recSize,
	})

	file, err := NewBytes(img, &Options{})
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	// Parse logs a failing directory and carries on; the directory
	// reader itself reports the bad size.
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := file.parseLoadConfigDirectory(testSectionRVA, recSize); err != ErrIncorrectConfigDirectory {
		t.Fatalf("parseLoadConfigDirectory err = %v, want ErrIncorrectConfigDirectory", err)
	}
}

func TestRebuildLoadConfig(t *testing.T) {
	recSize := uint32(binary.Size(ImageLoadConfigDirectory32{}))
	data := make([]byte, recSize)
	binary.LittleEndian.PutUint32(data, recSize)

	img := buildTestImage(testImageOptions{sectionData: data})

	file, err := NewBytes(img, &Options{})
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	file.LoadConfig = LoadConfig{
		Struct:       ImageLoadConfigDirectory32{Size: recSize, SecurityCookie: 0xcafebabe},
		SEH:          []uint32{0x3000, 0x1000, 0x2000},
		LockPrefixes: []uint32{0x4000},
	}

	section := &file.Sections[0]
	dd, err := file.RebuildLoadConfig(section, LoadConfigRebuildSettings{
		OffsetFromSectionStart: 0,
		WriteSEHTable:          true,
		WriteLockPrefixes:      true,
		AutoSetToPEHeaders:     true,
	})
	if err != nil {
		t.Fatalf("RebuildLoadConfig failed: %v", err)
	}
	if dd.Size != recSize {
		t.Errorf("dd.Size = %d, want %d", dd.Size, recSize)
	}

	if err := file.parseLoadConfigDirectory(dd.VirtualAddress, dd.Size); err != nil {
		t.Fatalf("re-parsing rebuilt directory failed: %v", err)
	}

	wantSEH := []uint32{0x1000, 0x2000, 0x3000}
	if len(file.LoadConfig.SEH) != len(wantSEH) {
		t.Fatalf("SEH entries = %d, want %d", len(file.LoadConfig.SEH), len(wantSEH))
	}
	for i, v := range wantSEH {
		if file.LoadConfig.SEH[i] != v {
			t.Errorf("rebuilt SEH[%d] = %#x, want %#x (should be sorted)", i, file.LoadConfig.SEH[i], v)
		}
	}
	if len(file.LoadConfig.LockPrefixes) != 1 || file.LoadConfig.LockPrefixes[0] != 0x4000 {
		t.Errorf("rebuilt LockPrefixes = %v, want [0x4000]", file.LoadConfig.LockPrefixes)
	}
}
