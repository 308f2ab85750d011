package exporter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/VladMinzatu/modsyms/internal/symbolizer"
)

// WriteSymbolMap writes symbols in nm format ("<addr> T <name>"), ordered by
// address. Aliases keep their relative order.
func WriteSymbolMap(w io.Writer, symbols []symbolizer.Symbol) error {
	bw := bufio.NewWriter(w)
	for _, s := range sortedByAddr(symbols) {
		if _, err := fmt.Fprintf(bw, "%016x T %s\n", s.Addr, escapeSymbolName(s.Name)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func WriteSymbolMapToFile(symbols []symbolizer.Symbol, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := WriteSymbolMap(f, symbols); err != nil {
		return err
	}
	return f.Close()
}

func escapeSymbolName(name string) string {
	// one symbol per line, name is the last field
	name = strings.ReplaceAll(name, "\n", " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}
