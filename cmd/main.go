package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"pecoff"
	"pecoff/internal/crosscheck"
)

const usage = `usage: pecoff [flags] file

Prints the DOS, COFF and optional headers and the section table of a PE image.

`

type report struct {
	Path           string                 `json:"path" yaml:"path"`
	DosHeader      pecoff.DosHeader       `json:"dosHeader" yaml:"dosHeader"`
	CoffHeader     pecoff.CoffHeader      `json:"coffHeader" yaml:"coffHeader"`
	OptionalHeader *pecoff.OptionalHeader `json:"optionalHeader,omitempty" yaml:"optionalHeader,omitempty"`
	Sections       []pecoff.SectionHeader `json:"sections" yaml:"sections"`
	Assembly       bool                   `json:"assembly" yaml:"assembly"`
	Imports        []pecoff.Import        `json:"imports,omitempty" yaml:"imports,omitempty"`
	Certificates   []pecoff.Certificate   `json:"certificates,omitempty" yaml:"certificates,omitempty"`
}

type config struct {
	format    string
	assembly  bool
	imports   bool
	signature bool
	dump      bool
	verify    bool
	verbose   bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var cfg config
	fs := pflag.NewFlagSet("pecoff", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVarP(&cfg.format, "format", "f", "text", "output `format`: text, json or yaml")
	fs.BoolVarP(&cfg.assembly, "assembly", "a", false, "only report whether the file is a .NET assembly")
	fs.BoolVarP(&cfg.imports, "imports", "i", false, "include the import table")
	fs.BoolVarP(&cfg.signature, "signature", "s", false, "include the attribute certificate table")
	fs.BoolVarP(&cfg.dump, "dump", "d", false, "dump the parsed headers with go-spew")
	fs.BoolVar(&cfg.verify, "verify", false, "cross-check the headers against saferwall/pe")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "log parse stages")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	switch cfg.format {
	case "text", "json", "yaml":
	default:
		fmt.Fprintf(stderr, "unknown format %q\n", cfg.format)
		return 2
	}

	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	return inspect(fs.Arg(0), cfg, logger, stdout)
}

func inspect(path string, cfg config, logger *slog.Logger, stdout io.Writer) int {
	f, err := pecoff.Open(path, pecoff.WithLogger(logger))
	if cfg.assembly {
		ok := err == nil && f.IsAssembly()
		if f != nil {
			f.Close()
		}
		fmt.Fprintln(stdout, ok)
		if !ok {
			return 1
		}
		return 0
	}
	if err != nil {
		logger.Error("cannot read PE file", "path", path, "error", err)
		return 1
	}
	defer f.Close()

	if cfg.verify {
		if err := crosscheck.Compare(f, path); err != nil {
			logger.Error("cross-check failed", "path", path, "error", err)
			return 1
		}
		logger.Debug("cross-check passed", "path", path)
	}

	rep := report{
		Path:           path,
		DosHeader:      f.DosHeader,
		CoffHeader:     f.CoffHeader,
		OptionalHeader: f.OptionalHeader,
		Sections:       f.Sections,
		Assembly:       f.IsAssembly(),
	}
	if cfg.imports {
		if rep.Imports, err = f.Imports(); err != nil {
			logger.Error("cannot read import table", "path", path, "error", err)
			return 1
		}
	}
	if cfg.signature {
		if rep.Certificates, err = f.Certificates(); err != nil {
			logger.Error("cannot read certificate table", "path", path, "error", err)
			return 1
		}
	}

	if cfg.dump {
		spew.Fdump(stdout, rep)
		return 0
	}
	if err := write(stdout, cfg.format, &rep); err != nil {
		logger.Error("cannot write report", "error", err)
		return 1
	}
	return 0
}

func write(w io.Writer, format string, rep *report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	}
	return writeText(w, rep)
}

func writeText(w io.Writer, rep *report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	coff := rep.CoffHeader
	fmt.Fprintf(tw, "File:\t%s\n", rep.Path)
	fmt.Fprintf(tw, "Machine:\t%s\n", coff.Machine)
	fmt.Fprintf(tw, "TimeDateStamp:\t%s\n", coff.TimeDateStamp.Format("2006-01-02 15:04:05Z07:00"))
	fmt.Fprintf(tw, "Characteristics:\t%s\n", coff.Characteristics)
	if opt := rep.OptionalHeader; opt != nil {
		kind := "PE32"
		if opt.Is64() {
			kind = "PE32+"
		}
		fmt.Fprintf(tw, "Format:\t%s\n", kind)
		fmt.Fprintf(tw, "Linker:\t%s\n", opt.LinkerVersion)
		fmt.Fprintf(tw, "ImageBase:\t%#x\n", opt.ImageBase)
		fmt.Fprintf(tw, "EntryPoint:\t%#x\n", opt.AddressOfEntryPoint)
		fmt.Fprintf(tw, "SizeOfImage:\t%#x\n", opt.SizeOfImage)
	}
	fmt.Fprintf(tw, "Assembly:\t%t\n", rep.Assembly)
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Name\tVirtualAddress\tVirtualSize\tPointerToRawData\tSizeOfRawData\tCharacteristics")
	for _, s := range rep.Sections {
		fmt.Fprintf(tw, "%s\t%#x\t%#x\t%#x\t%#x\t%#x\n",
			s.Name, s.VirtualAddress, s.VirtualSize, s.PointerToRawData, s.SizeOfRawData, uint32(s.Characteristics))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, imp := range rep.Imports {
		fmt.Fprintf(w, "\n%s\n", imp.Library)
		for _, fn := range imp.Functions {
			fmt.Fprintf(w, "  %s\n", fn)
		}
	}
	for i, c := range rep.Certificates {
		fmt.Fprintf(w, "\nCertificate %d: revision %#x, type %d, %d bytes", i, c.Revision, c.Type, c.Length)
		if c.Signer != "" {
			fmt.Fprintf(w, ", signed by %s", c.Signer)
		}
		fmt.Fprintln(w)
	}
	return nil
}
