package elfview

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Isaac0-dev/NCPatcher/internal/ncperr"
)

type elfHeader32 struct {
	Ident            [16]byte
	Type             uint16
	Machine          uint16
	Version          uint32
	Entry            uint32
	ProgHdrOff       uint32
	SecHdrOff        uint32
	Flags            uint32
	HeaderSize       uint16
	ProgHdrEntrySize uint16
	ProgHdrCount     uint16
	SecHdrEntrySize  uint16
	SecHdrCount      uint16
	SecHdrStrIndex   uint16
}

type sectionHeader32 struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Address   uint32
	Offset    uint32
	Size      uint32
	Link      uint32
	Info      uint32
	AddrAlign uint32
	EntrySize uint32
}

type symbol32 struct {
	Name         uint32
	Value        uint32
	Size         uint32
	Info         uint8
	Other        uint8
	SectionIndex uint16
}

func malformed(path string, cause error) error {
	return ncperr.Wrap(ncperr.MalformedInput, "could not parse ELF file "+path, cause)
}

// Load parses a 32-bit little-endian ELF from r. path is used only for
// error messages.
func Load(r io.ReadSeeker, path string) (*View, error) {
	var hdr elfHeader32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, malformed(path, err)
	}
	if hdr.Ident[0] != 0x7F || hdr.Ident[1] != 'E' || hdr.Ident[2] != 'L' || hdr.Ident[3] != 'F' {
		return nil, malformed(path, fmt.Errorf("bad magic"))
	}
	if FileClass(hdr.Ident[4]) != ELFClass32 {
		return nil, malformed(path, fmt.Errorf("unsupported ELF class %d (only 32-bit is supported)", hdr.Ident[4]))
	}
	if FileEndian(hdr.Ident[5]) != ELFData2LSB {
		return nil, malformed(path, fmt.Errorf("unsupported byte order %d (only little-endian is supported)", hdr.Ident[5]))
	}

	v := &View{
		Type:    FileType(hdr.Type),
		Machine: MachineType(hdr.Machine),
		Entry:   hdr.Entry,
	}

	if hdr.SecHdrCount == 0 {
		return v, nil
	}

	if _, err := r.Seek(int64(hdr.SecHdrOff), io.SeekStart); err != nil {
		return nil, malformed(path, err)
	}

	rawSections := make([]sectionHeader32, hdr.SecHdrCount)
	for i := range rawSections {
		if err := binary.Read(r, binary.LittleEndian, &rawSections[i]); err != nil {
			return nil, malformed(path, err)
		}
	}

	var symtabIdxs []int
	for i, raw := range rawSections {
		sec := &Section{
			Type:      SectionType(raw.Type),
			Flags:     raw.Flags,
			Address:   raw.Address,
			Offset:    raw.Offset,
			Size:      raw.Size,
			Link:      raw.Link,
			Info:      raw.Info,
			AddrAlign: raw.AddrAlign,
			EntrySize: raw.EntrySize,
			Index:     i,
		}
		if sec.Type.hasDataInFile() && sec.Size > 0 {
			data, err := readAt(r, int64(sec.Offset), int(sec.Size))
			if err != nil {
				return nil, malformed(path, err)
			}
			sec.Data = data
		}
		if sec.Type == SHTSymTab || sec.Type == SHTDynSym {
			symtabIdxs = append(symtabIdxs, i)
		}
		v.Sections = append(v.Sections, sec)
	}

	v.shStrTab = int(hdr.SecHdrStrIndex)
	if v.shStrTab < len(v.Sections) {
		shStrData := v.Sections[v.shStrTab].Data
		for _, sec := range v.Sections {
			sec.Name = cString(shStrData, rawSections[sec.Index].Name)
		}
	}

	for _, symtabIdx := range symtabIdxs {
		symtab := v.Sections[symtabIdx]
		strtabIdx := int(symtab.Link)
		var strData []byte
		if strtabIdx < len(v.Sections) {
			strData = v.Sections[strtabIdx].Data
		}
		if symtab.EntrySize == 0 {
			return nil, malformed(path, fmt.Errorf("symbol table has zero entry size"))
		}
		count := int(symtab.Size / symtab.EntrySize)
		body := symtab.Data
		for i := 0; i < count; i++ {
			off := i * int(symtab.EntrySize)
			if off+16 > len(body) {
				return nil, malformed(path, fmt.Errorf("truncated symbol table"))
			}
			var raw symbol32
			raw.Name = binary.LittleEndian.Uint32(body[off : off+4])
			raw.Value = binary.LittleEndian.Uint32(body[off+4 : off+8])
			raw.Size = binary.LittleEndian.Uint32(body[off+8 : off+12])
			raw.Info = body[off+12]
			raw.Other = body[off+13]
			raw.SectionIndex = binary.LittleEndian.Uint16(body[off+14 : off+16])

			v.Symbols = append(v.Symbols, &Symbol{
				Name:         cString(strData, raw.Name),
				Type:         SymbolType(raw.Info & 0xF),
				Binding:      SymbolBinding(raw.Info >> 4),
				Value:        raw.Value,
				Size:         raw.Size,
				SectionIndex: raw.SectionIndex,
			})
		}
	}

	return v, nil
}

func readAt(r io.ReadSeeker, offset int64, size int) ([]byte, error) {
	cur, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if _, err := r.Seek(cur, io.SeekStart); err != nil {
		return nil, err
	}
	return buf, nil
}

func cString(table []byte, offset uint32) string {
	if table == nil || int(offset) >= len(table) {
		return ""
	}
	end := int(offset)
	for end < len(table) && table[end] != 0 {
		end++
	}
	return string(table[offset:end])
}

// FindSection returns the section named name, or nil.
func (v *View) FindSection(name string) *Section {
	for _, s := range v.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SectionByIndex returns the section at ELF section index idx, or nil if
// idx is out of range (which covers SHN_LORESERVE and above). Index 0
// (SHN_UNDEF) returns the null section.
func (v *View) SectionByIndex(idx int) *Section {
	if idx < 0 || idx >= len(v.Sections) {
		return nil
	}
	return v.Sections[idx]
}

// EachSection calls fn for every section in file order.
func (v *View) EachSection(fn func(*Section)) {
	for _, s := range v.Sections {
		fn(s)
	}
}

// EachSymbol calls fn for every symbol in symbol-table order.
func (v *View) EachSymbol(fn func(*Symbol)) {
	for _, s := range v.Symbols {
		fn(s)
	}
}
