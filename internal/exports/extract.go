package exports

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Extract builds the export table of the PE image at path straight from the file,
// without involving the OS loader.
func Extract(path string) (*Table, error) {
	slog.Debug("Extracting export table", "path", path)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("extract exports from %s: %w", path, err)
	}
	slog.Debug("Extracted export table", "path", path, "names", len(t.Entries), "functions", len(t.Functions))
	return t, nil
}

// Parse decodes the export directory of the PE image read from r.
func Parse(r io.ReadSeeker) (*Table, error) {
	p := &imageReader{r: r}

	var dos dosHeader
	if err := p.readAt(0, &dos, "DOS header"); err != nil {
		return nil, err
	}
	if dos.Magic != dosMagic {
		return nil, fmt.Errorf("%w: DOS magic 0x%04x", ErrBadSignature, dos.Magic)
	}

	var sig uint32
	if err := p.readAt(int64(dos.Lfanew), &sig, "NT signature"); err != nil {
		return nil, err
	}
	if sig != ntSignature {
		return nil, fmt.Errorf("%w: NT signature 0x%08x", ErrBadSignature, sig)
	}

	var fh fileHeader
	if err := p.read(&fh, "file header"); err != nil {
		return nil, err
	}
	optStart := int64(dos.Lfanew) + 4 + int64(binary.Size(fh))

	exportRVA, err := p.exportDirectoryRVA(optStart, fh.SizeOfOptionalHeader)
	if err != nil {
		return nil, err
	}

	sections := make([]sectionHeader, fh.NumberOfSections)
	if err := p.readAt(optStart+int64(fh.SizeOfOptionalHeader), sections, "section headers"); err != nil {
		return nil, err
	}
	dirOffset, delta := locateExportDirectory(exportRVA, sections)

	var dir exportDirectory
	if err := p.readAt(int64(dirOffset), &dir, "export directory"); err != nil {
		return nil, err
	}
	if dir.NumberOfFunctions > maxFunctions {
		return nil, fmt.Errorf("%w: %d exported functions", ErrFormat, dir.NumberOfFunctions)
	}
	if dir.NumberOfNames > dir.NumberOfFunctions {
		return nil, fmt.Errorf("%w: %d names for %d functions", ErrFormat, dir.NumberOfNames, dir.NumberOfFunctions)
	}

	ordinals := make([]uint16, dir.NumberOfNames)
	if err := p.readAt(fileOffset(dir.AddressOfNameOrdinals, delta), ordinals, "name ordinals"); err != nil {
		return nil, err
	}
	functions := make([]uint32, dir.NumberOfFunctions)
	if err := p.readAt(fileOffset(dir.AddressOfFunctions, delta), functions, "function addresses"); err != nil {
		return nil, err
	}
	namePtrs := make([]uint32, dir.NumberOfNames)
	if err := p.readAt(fileOffset(dir.AddressOfNames, delta), namePtrs, "name pointers"); err != nil {
		return nil, err
	}

	t := &Table{
		Entries:     make([]Entry, len(namePtrs)),
		Functions:   functions,
		OrdinalBase: dir.Base,
	}
	for i, ptr := range namePtrs {
		t.Entries[i].Ordinal = ordinals[i]
		raw, err := p.readName(fileOffset(ptr, delta))
		if err != nil {
			// a broken name only loses that entry's name
			slog.Warn("Failed to read export name", "index", i, "rva", ptr, "error", err)
			continue
		}
		slog.Debug("Found export", "name", raw)
		t.Entries[i].Name = Normalize(raw)
		slog.Debug("Stored export", "name", t.Entries[i].Name)
	}

	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// exportDirectoryRVA reads the optional header and returns data directory entry 0.
func (p *imageReader) exportDirectoryRVA(optStart int64, size uint16) (uint32, error) {
	opt := make([]byte, size)
	if err := p.readAt(optStart, opt, "optional header"); err != nil {
		return 0, err
	}
	if len(opt) < 2 {
		return 0, fmt.Errorf("%w: optional header of %d bytes", ErrFormat, len(opt))
	}

	var countOff, dirOff int
	switch magic := binary.LittleEndian.Uint16(opt); magic {
	case optionalMagicPE32:
		countOff, dirOff = numberOfRvaAndSizesPE32, dataDirectoryPE32
	case optionalMagicPE32Plus:
		countOff, dirOff = numberOfRvaAndSizesPE32Plus, dataDirectoryPE32Plus
	default:
		return 0, fmt.Errorf("%w: optional header magic 0x%x", ErrFormat, magic)
	}

	entryOff := dirOff + exportDirectoryIndex*binary.Size(dataDirectory{})
	if len(opt) < entryOff+binary.Size(dataDirectory{}) {
		return 0, fmt.Errorf("%w: optional header too short for data directory", ErrFormat)
	}
	if binary.LittleEndian.Uint32(opt[countOff:]) <= exportDirectoryIndex {
		return 0, ErrNoExports
	}
	rva := binary.LittleEndian.Uint32(opt[entryOff:])
	if rva == 0 {
		return 0, ErrNoExports
	}
	return rva, nil
}

// locateExportDirectory turns the export directory RVA into a file offset and returns
// the RVA-to-file delta used for the arrays it points at. An .edata section wins;
// otherwise the section holding the RVA is used, and an RVA outside every section is
// taken to be a file offset already.
func locateExportDirectory(rva uint32, sections []sectionHeader) (offset, delta uint32) {
	offset = rva
	var holder *sectionHeader
	for i := range sections {
		s := &sections[i]
		if s.name() == exportSectionName {
			return s.PointerToRawData, s.VirtualAddress - s.PointerToRawData
		}
		if holder == nil && s.contains(rva) {
			holder = s
		}
	}
	if holder != nil {
		delta = holder.VirtualAddress - holder.PointerToRawData
		offset = rva - delta
	}
	return offset, delta
}

func fileOffset(rva, delta uint32) int64 {
	return int64(rva - delta)
}

type imageReader struct {
	r io.ReadSeeker
}

func (p *imageReader) readAt(off int64, v any, what string) error {
	if _, err := p.r.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek to %s at 0x%x: %w", ErrIO, what, off, err)
	}
	return p.read(v, what)
}

func (p *imageReader) read(v any, what string) error {
	if err := binary.Read(p.r, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrIO, what, err)
	}
	return nil
}

// readName reads at most maxNameLen bytes at off and cuts them at the first NUL.
func (p *imageReader) readName(off int64) (string, error) {
	if _, err := p.r.Seek(off, io.SeekStart); err != nil {
		return "", err
	}
	buf := make([]byte, maxNameLen)
	n, err := io.ReadFull(p.r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	buf = buf[:n]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}
