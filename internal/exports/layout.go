package exports

// On-disk PE/COFF structures, little endian. Only the fields needed to reach the
// export directory are decoded; everything else is skipped as padding.

const (
	dosMagic     = 0x5a4d     // "MZ"
	ntSignature  = 0x00004550 // "PE\0\0"
	lfanewOffset = 0x3c

	optionalMagicPE32     = 0x10b
	optionalMagicPE32Plus = 0x20b

	// offsets inside the optional header
	numberOfRvaAndSizesPE32     = 92
	numberOfRvaAndSizesPE32Plus = 108
	dataDirectoryPE32           = 96
	dataDirectoryPE32Plus       = 112

	exportDirectoryIndex = 0
	exportSectionName    = ".edata"

	// name strings are read in bounded chunks
	maxNameLen = 255
	// ordinals are 16 bit indexes into the function table
	maxFunctions = 1 << 16
)

type dosHeader struct {
	Magic  uint16
	_      [lfanewOffset - 2]byte
	Lfanew uint32
}

type fileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type dataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type sectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

func (s *sectionHeader) name() string {
	n := 0
	for n < len(s.Name) && s.Name[n] != 0 {
		n++
	}
	return string(s.Name[:n])
}

func (s *sectionHeader) contains(rva uint32) bool {
	size := s.VirtualSize
	if size == 0 {
		size = s.SizeOfRawData
	}
	return rva >= s.VirtualAddress && rva-s.VirtualAddress < size
}

type exportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}
