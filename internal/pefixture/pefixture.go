// Package pefixture synthesises minimal PE DLL images with an export directory, so
// tests can exercise export parsing without checked-in binaries.
package pefixture

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

type Name struct {
	Name    string
	Ordinal uint16
}

// Image describes the export directory to emit. Names are written in the given
// order (no sorting) and Functions holds every exported RVA, named or not.
type Image struct {
	Functions []uint32
	Names     []Name

	// SectionName defaults to ".edata".
	SectionName string
	// SectionRVA and SectionRaw place the export section in memory and on disk.
	// Both default to 0x2000 and 0x400.
	SectionRVA uint32
	SectionRaw uint32

	PE32Plus bool
	// NoSignature writes "XX\0\0" instead of "PE\0\0".
	NoSignature bool
}

const (
	headersSize   = 0x400
	fileAlignment = 0x200
	peOffset      = 0x40
)

// Exports is a convenience constructor: one function per name, in order.
func Exports(names []string, rvas []uint32) Image {
	img := Image{Functions: rvas}
	for i, n := range names {
		img.Names = append(img.Names, Name{Name: n, Ordinal: uint16(i)})
	}
	return img
}

// Build serialises img into a PE image.
func Build(img Image) []byte {
	if img.SectionName == "" {
		img.SectionName = ".edata"
	}
	if img.SectionRVA == 0 {
		img.SectionRVA = 0x2000
	}
	if img.SectionRaw == 0 {
		img.SectionRaw = headersSize
	}

	edata := buildExportSection(img)
	rawSize := align(uint32(len(edata)), fileAlignment)
	sectionAlignment := uint32(0x1000)
	if img.SectionRVA == img.SectionRaw {
		sectionAlignment = fileAlignment
	}

	out := make([]byte, img.SectionRaw+rawSize)
	le := binary.LittleEndian

	// DOS header
	out[0], out[1] = 'M', 'Z'
	le.PutUint32(out[0x3c:], peOffset)

	// NT signature + COFF file header
	if img.NoSignature {
		copy(out[peOffset:], "XX\x00\x00")
	} else {
		copy(out[peOffset:], "PE\x00\x00")
	}
	fh := out[peOffset+4:]
	optSize := uint16(224)
	machine := uint16(0x14c) // i386
	characteristics := uint16(0x2102)
	if img.PE32Plus {
		optSize = 240
		machine = 0x8664 // amd64
		characteristics = 0x2022
	}
	le.PutUint16(fh[0:], machine)
	le.PutUint16(fh[2:], 1) // NumberOfSections
	le.PutUint16(fh[16:], optSize)
	le.PutUint16(fh[18:], characteristics)

	// optional header
	opt := out[peOffset+4+20:]
	sizeOfImage := align(img.SectionRVA+uint32(len(edata)), sectionAlignment)
	var ddOff, countOff int
	if img.PE32Plus {
		le.PutUint16(opt[0:], 0x20b)
		le.PutUint64(opt[24:], 0x180000000)
		ddOff, countOff = 112, 108
	} else {
		le.PutUint16(opt[0:], 0x10b)
		le.PutUint32(opt[28:], 0x10000000)
		ddOff, countOff = 96, 92
	}
	le.PutUint32(opt[32:], sectionAlignment)
	le.PutUint32(opt[36:], fileAlignment)
	le.PutUint16(opt[40:], 4) // MajorOperatingSystemVersion
	le.PutUint16(opt[48:], 4) // MajorSubsystemVersion
	le.PutUint32(opt[56:], sizeOfImage)
	le.PutUint32(opt[60:], headersSize)
	le.PutUint16(opt[68:], 2) // IMAGE_SUBSYSTEM_WINDOWS_GUI
	le.PutUint32(opt[countOff:], 16)
	le.PutUint32(opt[ddOff:], img.SectionRVA)
	le.PutUint32(opt[ddOff+4:], uint32(len(edata)))

	// section table
	sh := opt[optSize:]
	copy(sh[0:8], img.SectionName)
	le.PutUint32(sh[8:], uint32(len(edata)))
	le.PutUint32(sh[12:], img.SectionRVA)
	le.PutUint32(sh[16:], rawSize)
	le.PutUint32(sh[20:], img.SectionRaw)
	le.PutUint32(sh[36:], 0x40000040) // initialized data, readable

	copy(out[img.SectionRaw:], edata)
	return out
}

// buildExportSection lays out: directory, function RVAs, name RVAs, ordinals, strings.
func buildExportSection(img Image) []byte {
	le := binary.LittleEndian
	const dirSize = 40
	funcsOff := uint32(dirSize)
	namesOff := funcsOff + 4*uint32(len(img.Functions))
	ordsOff := namesOff + 4*uint32(len(img.Names))
	strOff := align(ordsOff+2*uint32(len(img.Names)), 4)

	var strs []byte
	nameRVAs := make([]uint32, len(img.Names))
	for i, n := range img.Names {
		nameRVAs[i] = img.SectionRVA + strOff + uint32(len(strs))
		strs = append(strs, n.Name...)
		strs = append(strs, 0)
	}
	dllNameRVA := img.SectionRVA + strOff + uint32(len(strs))
	strs = append(strs, "mod.dll\x00"...)

	sec := make([]byte, strOff+uint32(len(strs)))
	le.PutUint32(sec[12:], dllNameRVA)
	le.PutUint32(sec[16:], 1) // Base
	le.PutUint32(sec[20:], uint32(len(img.Functions)))
	le.PutUint32(sec[24:], uint32(len(img.Names)))
	le.PutUint32(sec[28:], img.SectionRVA+funcsOff)
	le.PutUint32(sec[32:], img.SectionRVA+namesOff)
	le.PutUint32(sec[36:], img.SectionRVA+ordsOff)

	for i, rva := range img.Functions {
		le.PutUint32(sec[funcsOff+4*uint32(i):], rva)
	}
	for i, rva := range nameRVAs {
		le.PutUint32(sec[namesOff+4*uint32(i):], rva)
	}
	for i, n := range img.Names {
		le.PutUint16(sec[ordsOff+2*uint32(i):], n.Ordinal)
	}
	copy(sec[strOff:], strs)
	return sec
}

// WriteFile builds img into a temp dir owned by tb and returns its path.
func WriteFile(tb testing.TB, img Image) string {
	tb.Helper()
	return WriteBytes(tb, Build(img))
}

func WriteBytes(tb testing.TB, data []byte) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "mod.dll")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write fixture: %v", err)
	}
	return path
}

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
