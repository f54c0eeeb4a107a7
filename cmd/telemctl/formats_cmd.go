package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"example.com/telemlog/internal/format"
)

const defaultRegistry = "formats.db"

func formatsCmd(args []string) {
	if len(args) == 0 {
		formatsUsage()
		os.Exit(1)
	}
	sub := args[0]
	switch sub {
	case "add":
		formatsAddCmd(args[1:])
	case "list":
		formatsListCmd(args[1:])
	case "show":
		formatsShowCmd(args[1:])
	case "remove":
		formatsRemoveCmd(args[1:])
	default:
		fmt.Println("unknown formats subcommand")
		formatsUsage()
		os.Exit(1)
	}
}

func formatsUsage() {
	fmt.Println("formats commands:")
	fmt.Println("  add    --header <file.h> [--root A=1,B] [--label <text>] [--registry <formats.db>]")
	fmt.Println("  list   [--registry <formats.db>]")
	fmt.Println("  show   --fingerprint <hex> [--registry <formats.db>]")
	fmt.Println("  remove --fingerprint <hex> [--registry <formats.db>]")
}

func openRegistry(path string) *format.Registry {
	reg, err := format.OpenRegistry(path)
	if err != nil {
		fail("open registry", err)
	}
	return reg
}

func formatsAddCmd(args []string) {
	fs := flag.NewFlagSet("formats add", flag.ExitOnError)
	abi := addABIFlags(fs)
	label := fs.String("label", "", "free-form label, e.g. firmware version")
	registry := fs.String("registry", defaultRegistry, "format registry")
	fs.Parse(args)

	f, err := abi.layout()
	if err != nil {
		fail("layout", err)
	}
	reg := openRegistry(*registry)
	defer reg.Close()
	e, err := reg.Put(f, *label)
	if err != nil {
		fail("register format", err)
	}
	fmt.Printf("Registered %s (%d record kinds)\n", e.Fingerprint, len(f.Variants))
}

func formatsListCmd(args []string) {
	fs := flag.NewFlagSet("formats list", flag.ExitOnError)
	registry := fs.String("registry", defaultRegistry, "format registry")
	fs.Parse(args)

	reg := openRegistry(*registry)
	defer reg.Close()
	entries, err := reg.List()
	if err != nil {
		fail("list formats", err)
	}
	if len(entries) == 0 {
		fmt.Println("No formats registered")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINGERPRINT\tKINDS\tADDED\tLABEL")
	for _, e := range entries {
		kinds := "?"
		if f, err := e.Decode(); err == nil {
			kinds = fmt.Sprint(len(f.Variants))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Fingerprint, kinds, e.AddedAt.Format(time.RFC3339), e.Label)
	}
	w.Flush()
}

func formatsShowCmd(args []string) {
	fs := flag.NewFlagSet("formats show", flag.ExitOnError)
	fingerprint := fs.String("fingerprint", "", "format fingerprint (hex)")
	registry := fs.String("registry", defaultRegistry, "format registry")
	fs.Parse(args)

	fp, err := format.ParseFingerprint(*fingerprint)
	if err != nil {
		fail("fingerprint", err)
	}
	reg := openRegistry(*registry)
	defer reg.Close()
	f, err := reg.Lookup(fp)
	if errors.Is(err, format.ErrNotRegistered) {
		fmt.Printf("format %s not registered\n", fp)
		os.Exit(1)
	}
	if err != nil {
		fail("lookup", err)
	}
	printLayout(os.Stdout, f)
}

func formatsRemoveCmd(args []string) {
	fs := flag.NewFlagSet("formats remove", flag.ExitOnError)
	fingerprint := fs.String("fingerprint", "", "format fingerprint (hex)")
	registry := fs.String("registry", defaultRegistry, "format registry")
	fs.Parse(args)

	fp, err := format.ParseFingerprint(*fingerprint)
	if err != nil {
		fail("fingerprint", err)
	}
	reg := openRegistry(*registry)
	defer reg.Close()
	if err := reg.Delete(fp); err != nil {
		fail("remove format", err)
	}
	fmt.Printf("Removed %s\n", fp)
}
