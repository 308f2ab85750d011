package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"google.golang.org/protobuf/proto"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/VladMinzatu/modsyms/internal/exporter"
	"github.com/VladMinzatu/modsyms/internal/exports"
	"github.com/VladMinzatu/modsyms/internal/host"
	"github.com/VladMinzatu/modsyms/internal/symbolizer"
)

var cfg struct {
	verbose    bool
	anchor     string
	anchorAddr uint64
	live       bool
	manual     bool
	demangle   bool
	pprof      string
	otlp       string
	symbolMap  string
}

var (
	errVerifyFailed = errors.New("export table disagrees with reference parser")
	errUnresolved   = errors.New("some queries did not resolve")
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Recover and query the exported symbols of a game mod library.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable debug logging.").Short('v').Default("false").BoolVar(&cfg.verbose)
	app.Flag("anchor", "Export used to compute the load offset.").Default(symbolizer.DefaultAnchor).StringVar(&cfg.anchor)
	app.Flag("anchor-addr", "Loaded address of the anchor export. 0 reports RVAs.").Default("0").Uint64Var(&cfg.anchorAddr)
	app.Flag("live", "Resolve against the library as loaded into this process, with the platform resolver.").Default("false").BoolVar(&cfg.live)
	app.Flag("manual", "With --live, use the export table even where the platform can resolve symbols itself.").Default("false").BoolVar(&cfg.manual)
	app.Flag("demangle", "With --live, report demangled ELF symbol names.").Default("false").BoolVar(&cfg.demangle)

	dumpCmd := app.Command("dump", "List the export table.")
	dumpFile := dumpCmd.Arg("dll", "Mod library path.").Required().ExistingFile()
	dumpCmd.Flag("pprof", "Write the symbol snapshot as a gzipped pprof profile.").StringVar(&cfg.pprof)
	dumpCmd.Flag("otlp", "Write the symbol snapshot as an OTLP profiles protobuf.").StringVar(&cfg.otlp)
	dumpCmd.Flag("symbol-map", "Write the symbol snapshot in nm format.").StringVar(&cfg.symbolMap)

	verifyCmd := app.Command("verify", "Cross-check the export table against an independent PE parser.")
	verifyFile := verifyCmd.Arg("dll", "Mod library path.").Required().ExistingFile()

	resolveNameCmd := app.Command("resolve-name", "Resolve export names to addresses.")
	resolveNameFile := resolveNameCmd.Arg("dll", "Mod library path.").Required().ExistingFile()
	resolveNames := resolveNameCmd.Arg("name", "Export names.").Required().Strings()

	resolveAddrCmd := app.Command("resolve-addr", "Resolve addresses to export names.")
	resolveAddrFile := resolveAddrCmd.Arg("dll", "Mod library path.").Required().ExistingFile()
	resolveAddrs := resolveAddrCmd.Arg("addr", "Addresses, hex with 0x prefix or decimal.").Required().Strings()

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	out := os.Stdout
	switch parsedCmd {
	case dumpCmd.FullCommand():
		os.Exit(checkError(dump(out, *dumpFile)))
	case verifyCmd.FullCommand():
		os.Exit(checkError(verify(out, *verifyFile)))
	case resolveNameCmd.FullCommand():
		os.Exit(checkError(resolveName(out, *resolveNameFile, *resolveNames)))
	case resolveAddrCmd.FullCommand():
		os.Exit(checkError(resolveAddr(out, *resolveAddrFile, *resolveAddrs)))
	default:
		slog.Error("unknown command", "cmd", parsedCmd)
		os.Exit(1)
	}
}

func checkError(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUnresolved):
		// misses are already in the output table
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}

type fileGame string

func (f fileGame) DLLFullPath() string { return string(f) }

// rvaLocator places the anchor at its own RVA, so every address equals its RVA.
type rvaLocator struct{}

func (rvaLocator) Locate(path string, anchor string, rva uint32) (uint64, error) {
	return uint64(rva), nil
}

func attach(path string) (*host.Plugin, error) {
	opts := symbolizer.Options{Anchor: cfg.anchor, Manual: cfg.manual, Demangle: cfg.demangle}
	if cfg.anchorAddr != 0 {
		opts.Locator = symbolizer.StaticLocator{Addr: cfg.anchorAddr}
	}

	var p *host.Plugin
	if cfg.live {
		p = host.NewDefaultPlugin(fileGame(path), opts)
	} else {
		if opts.Locator == nil {
			opts.Locator = rvaLocator{}
		}
		p = host.NewPlugin(fileGame(path), symbolizer.NewDirectory(opts))
	}
	if err := p.Attach(); err != nil {
		return nil, err
	}
	return p, nil
}

func dump(out io.Writer, path string) error {
	p, err := attach(path)
	if err != nil {
		return err
	}
	defer p.Detach()

	if dir, ok := p.Resolver().(*symbolizer.Directory); ok {
		dumpTable(out, dir)
	} else {
		syms, err := p.Symbols()
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Name", "Address"})
		for _, s := range syms {
			table.Append([]string{s.Name, fmt.Sprintf("%#x", s.Addr)})
		}
		table.Render()
		fmt.Fprintf(out, "%d symbols\n", len(syms))
	}

	if cfg.pprof == "" && cfg.otlp == "" && cfg.symbolMap == "" {
		return nil
	}
	syms, err := p.Symbols()
	if err != nil {
		return err
	}
	return writeSnapshots(syms, path)
}

func dumpTable(out io.Writer, dir *symbolizer.Directory) {
	t := dir.Table()
	offset := dir.BaseOffset()
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"#", "Name", "Ordinal", "RVA", "Address"})
	for i, e := range t.Entries {
		name := e.Name
		if name == "" {
			name = "<unreadable>"
		}
		table.Append([]string{
			strconv.Itoa(i),
			name,
			strconv.Itoa(int(uint32(e.Ordinal) + t.OrdinalBase)),
			fmt.Sprintf("%#08x", t.RVA(i)),
			fmt.Sprintf("%#x", offset.Apply(t.RVA(i))),
		})
	}
	table.Render()
	fmt.Fprintf(out, "%d named exports, %d functions, base offset %s\n", t.Len(), len(t.Functions), offset)
}

func writeSnapshots(syms []symbolizer.Symbol, path string) error {
	if cfg.pprof != "" {
		f, err := os.Create(cfg.pprof)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := exporter.WriteProfileGzip(exporter.BuildPprofProfile(syms, path, time.Now()), f); err != nil {
			return fmt.Errorf("write pprof profile: %w", err)
		}
		slog.Info("Wrote pprof profile", "file", cfg.pprof, "symbols", len(syms))
	}
	if cfg.otlp != "" {
		data := exporter.BuildOltpProfile(syms, path, func() uint64 { return uint64(time.Now().UnixNano()) })
		b, err := proto.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal otlp profile: %w", err)
		}
		if err := os.WriteFile(cfg.otlp, b, 0o644); err != nil {
			return err
		}
		slog.Info("Wrote OTLP profile", "file", cfg.otlp, "symbols", len(syms))
	}
	if cfg.symbolMap != "" {
		if err := exporter.WriteSymbolMapToFile(syms, cfg.symbolMap); err != nil {
			return fmt.Errorf("write symbol map: %w", err)
		}
		slog.Info("Wrote symbol map", "file", cfg.symbolMap, "symbols", len(syms))
	}
	return nil
}

func verify(out io.Writer, path string) error {
	t, err := exports.Extract(path)
	if err != nil {
		return err
	}
	mismatches, err := exports.Verify(path, t)
	if err != nil {
		return err
	}
	if len(mismatches) == 0 {
		fmt.Fprintf(out, "%d named exports match\n", t.Len())
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Name", "Extracted RVA", "Reference RVA", "Problem"})
	for _, m := range mismatches {
		problem := "address differs"
		if m.Missing {
			problem = "not extracted"
		}
		table.Append([]string{m.Name, fmt.Sprintf("%#08x", m.Got), fmt.Sprintf("%#08x", m.Want), problem})
	}
	table.Render()
	return fmt.Errorf("%w: %d mismatches", errVerifyFailed, len(mismatches))
}

func resolveName(out io.Writer, path string, names []string) error {
	p, err := attach(path)
	if err != nil {
		return err
	}
	defer p.Detach()

	missed := 0
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Name", "Address"})
	for _, name := range names {
		addr := p.FunctionFromName(name)
		cell := fmt.Sprintf("%#x", addr)
		if addr == 0 {
			cell = "not found"
			missed++
		}
		table.Append([]string{name, cell})
	}
	table.Render()
	if missed > 0 {
		return fmt.Errorf("%w: %d of %d", errUnresolved, missed, len(names))
	}
	return nil
}

func resolveAddr(out io.Writer, path string, addrs []string) error {
	p, err := attach(path)
	if err != nil {
		return err
	}
	defer p.Detach()

	missed := 0
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Address", "Name"})
	for _, s := range addrs {
		addr, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", s, err)
		}
		name := p.NameForFunction(addr)
		if name == "" {
			name = "not found"
			missed++
		}
		table.Append([]string{fmt.Sprintf("%#x", addr), name})
	}
	table.Render()
	if missed > 0 {
		return fmt.Errorf("%w: %d of %d", errUnresolved, missed, len(addrs))
	}
	return nil
}
