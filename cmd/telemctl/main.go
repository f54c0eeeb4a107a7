package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"example.com/telemlog/internal/decode"
	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/frame"
	"example.com/telemlog/internal/schema"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	switch cmd {
	case "schema":
		schemaCmd(os.Args[2:])
	case "fingerprint":
		fingerprintCmd(os.Args[2:])
	case "decode":
		decodeCmd(os.Args[2:])
	case "apply":
		applyCmd(os.Args[2:])
	case "synth":
		synthCmd(os.Args[2:])
	case "formats":
		formatsCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`telemctl %s (built %s) <command> [options]

Commands:
  schema      --header <file.h> [--root A=1,B] [--pointer-width 4] [--max-align 8] [--json <format.json>]
  fingerprint --header <file.h> [--root A=1,B] [--qr <fingerprint.png>]
  decode      --in <log[,log...]> [--header <file.h> | --format <format.json> | --registry <formats.db>] --out <table.csv|table.arrow> [--report <report.json>] [--pdf <report.pdf>] [--progress]
  apply       --in <table.csv|table.arrow> [--pipeline <steps.yaml>] --out <table.csv|table.arrow> [--progress]
  synth       --header <file.h> --out <log.bin> [--records N] [--self-describing] [--corrupt K] [--seed S]
  formats     <add|list|show|remove> [...]
`, version, buildDate)
}

// abiFlags are the layout flags shared by every command that reads a header.
type abiFlags struct {
	header       *string
	roots        *string
	pointerWidth *int
	maxAlign     *int
}

func addABIFlags(fs *flag.FlagSet) abiFlags {
	def := format.DefaultOptions()
	return abiFlags{
		header:       fs.String("header", "", "C header declaring the logged structs"),
		roots:        fs.String("root", "", "root structs with optional determinants, e.g. Imu=1,Gps (default: every struct nothing else embeds)"),
		pointerWidth: fs.Int("pointer-width", def.PointerWidth, "target pointer width in bytes (2, 4 or 8)"),
		maxAlign:     fs.Int("max-align", def.MaxAlign, "target maximum alignment in bytes"),
	}
}

func (a abiFlags) options() format.Options {
	return format.Options{PointerWidth: *a.pointerWidth, MaxAlign: *a.maxAlign}
}

func (a abiFlags) layout() (*format.Format, error) {
	if *a.header == "" {
		return nil, fmt.Errorf("required: --header")
	}
	res, err := schema.ParseFile(*a.header)
	if err != nil {
		return nil, err
	}
	roots, err := format.ParseRoots(*a.roots)
	if err != nil {
		return nil, err
	}
	return format.Layout(res.Schema, roots, a.options())
}

// framingFlags select the record header layout.
type framingFlags struct {
	determinant *int
	timestamp   *int
}

func addFramingFlags(fs *flag.FlagSet) framingFlags {
	def := decode.DefaultFraming()
	return framingFlags{
		determinant: fs.Int("determinant-size", def.DeterminantSize, "determinant width in bytes (1, 2 or 4)"),
		timestamp:   fs.Int("timestamp-size", def.TimestampSize, "timestamp width in bytes (0, 4 or 8)"),
	}
}

func (f framingFlags) framing() decode.Framing {
	return decode.Framing{DeterminantSize: *f.determinant, TimestampSize: *f.timestamp}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func readTable(path string) (*frame.DataFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".arrow") {
		return frame.ReadArrow(f)
	}
	return frame.ReadCSV(f)
}

func writeTable(path string, df *frame.DataFrame) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	write := frame.WriteCSV
	if strings.EqualFold(filepath.Ext(path), ".arrow") {
		write = frame.WriteArrow
	}
	if err := write(f, df); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func fail(what string, err error) {
	fmt.Println(what+":", err)
	os.Exit(1)
}
