package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/report"
)

func schemaCmd(args []string) {
	fs := flag.NewFlagSet("schema", flag.ExitOnError)
	abi := addABIFlags(fs)
	jsonOut := fs.String("json", "", "write the log format JSON here")
	fs.Parse(args)

	f, err := abi.layout()
	if err != nil {
		fail("layout", err)
	}
	printLayout(os.Stdout, f)
	if *jsonOut != "" {
		data, err := f.MarshalJSON()
		if err != nil {
			fail("marshal format", err)
		}
		if err := os.WriteFile(*jsonOut, data, 0o644); err != nil {
			fail("write format", err)
		}
		fmt.Printf("Format written to %s\n", *jsonOut)
	}
}

func printLayout(out io.Writer, f *format.Format) {
	fmt.Fprintf(out, "Fingerprint %s, largest record %d bytes\n", f.Fingerprint(), f.MaxSize())
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, v := range f.Variants {
		fmt.Fprintf(w, "\n%d\t%s\tsize %d\talign %d\n", v.Determinant, v.Name, v.Size(), v.Type.Align)
		fmt.Fprintln(w, "\tOFFSET\tSIZE\tTYPE\tFIELD")
		for _, l := range v.Leaves() {
			fmt.Fprintf(w, "\t%d\t%d\t%s\t%s\n", l.Offset, l.Type.Size, l.Type, l.Path)
		}
	}
	w.Flush()
}

func fingerprintCmd(args []string) {
	fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	abi := addABIFlags(fs)
	qrOut := fs.String("qr", "", "write a QR code PNG of the fingerprint here")
	qrSize := fs.Int("qr-size", 256, "QR code size in pixels")
	fs.Parse(args)

	f, err := abi.layout()
	if err != nil {
		fail("layout", err)
	}
	fp := f.Fingerprint().String()
	fmt.Println(fp)
	if *qrOut == "" {
		return
	}
	png, err := report.FingerprintQR(fp, *qrSize)
	if err != nil {
		fail("qr", err)
	}
	if err := os.WriteFile(*qrOut, png, 0o644); err != nil {
		fail("write qr", err)
	}
}
