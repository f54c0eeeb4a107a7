package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"example.com/telemlog/internal/common"
	"example.com/telemlog/internal/decode"
	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/pipeline"
	"example.com/telemlog/internal/report"
	"example.com/telemlog/internal/task"
)

func decodeCmd(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	abi := addABIFlags(fs)
	fr := addFramingFlags(fs)
	in := fs.String("in", "", "comma-separated log files (.zst is decompressed)")
	formatPath := fs.String("format", "", "log format JSON written by 'schema --json'")
	registryPath := fs.String("registry", "", "format registry used when no header or format is given")
	out := fs.String("out", "decoded.csv", "output table (.csv or .arrow)")
	reportPath := fs.String("report", "", "decode report JSON")
	pdfPath := fs.String("pdf", "", "decode report PDF")
	partialTail := fs.Bool("allow-partial-tail", false, "report a record cut off at the end of a file instead of failing")
	ignoreFingerprint := fs.Bool("ignore-fingerprint", false, "decode even when a log declares a different format")
	concurrency := fs.Int("concurrency", runtime.NumCPU(), "maximum files decoded at once")
	metricsFlag := fs.Bool("metrics", false, "print decode throughput metrics")
	progressFlag := fs.Bool("progress", false, "display decode progress updates")
	fs.Parse(args)

	paths := splitList(*in)
	if len(paths) == 0 {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	var f *format.Format
	var err error
	switch {
	case *abi.header != "":
		f, err = abi.layout()
	case *formatPath != "":
		var data []byte
		if data, err = os.ReadFile(*formatPath); err == nil {
			f, err = format.ParseJSON(data)
		}
	}
	if err != nil {
		fail("format", err)
	}

	opts := decode.Options{
		Framing:           fr.framing(),
		AllowPartialTail:  *partialTail,
		IgnoreFingerprint: *ignoreFingerprint,
		MaxAlign:          *abi.maxAlign,
	}
	if *registryPath != "" {
		reg, err := format.OpenRegistry(*registryPath)
		if err != nil {
			fail("registry", err)
		}
		defer reg.Close()
		opts.Lookup = reg.Lookup
	}

	var metrics *common.Metrics
	if *metricsFlag || *progressFlag {
		metrics = common.NewMetrics()
		opts.Metrics = metrics
		metrics.Start()
	}
	var stopProgress func()
	if metrics != nil && *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	start := time.Now()
	df, files, err := decode.DecodeFiles(ctx, paths, f, opts, *concurrency, nil)
	if stopProgress != nil {
		stopProgress()
	}
	if metrics != nil {
		metrics.Stop()
	}
	if err != nil {
		fail("decode", err)
	}
	if f == nil {
		if f, err = decode.ProbeFormat(paths[0], nil, opts); err != nil {
			fail("format", err)
		}
	}
	if err := writeTable(*out, df); err != nil {
		fail("write table", err)
	}

	rep := report.Build(f, files, df.RowCount(), len(df.ColumnNames()), time.Since(start))
	if *reportPath != "" {
		if err := report.SaveDecodeJSON(rep, *reportPath); err != nil {
			fail("write report", err)
		}
	}
	if *pdfPath != "" {
		if err := report.SaveDecodePDF(rep, *pdfPath); err != nil {
			fail("write pdf", err)
		}
	}
	fmt.Printf("Format %s: %d records, %d rows x %d columns, %d resynced regions (%s skipped)\n",
		rep.Fingerprint, rep.Records, rep.Rows, rep.Columns, rep.Resyncs, common.FormatBytes(rep.SkippedBytes))
	for _, file := range files {
		if file.Truncated {
			fmt.Printf("WARNING: %s ends in a partial record (%d bytes dropped)\n", file.Path, file.TruncatedBytes)
		}
	}
	if metrics != nil && *metricsFlag {
		snap := metrics.Snapshot()
		fmt.Printf("Metrics: duration=%s records=%d resyncs=%d processed=%s throughput=%s/s\n",
			snap.Duration.Round(10*time.Millisecond),
			snap.Records,
			snap.Resyncs,
			common.FormatBytes(snap.Bytes),
			common.FormatBytes(int64(snap.ThroughputBytesPerSecond())),
		)
	}
}

func applyCmd(args []string) {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	in := fs.String("in", "", "decoded table (.csv or .arrow)")
	pipelinePath := fs.String("pipeline", "", "pipeline steps (.yaml or .json); default sorts on the second column")
	out := fs.String("out", "filtered.csv", "output table (.csv or .arrow)")
	progressFlag := fs.Bool("progress", false, "display step progress")
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}
	df, err := readTable(*in)
	if err != nil {
		fail("read table", err)
	}
	steps := pipeline.DefaultSteps()
	if *pipelinePath != "" {
		if steps, err = pipeline.LoadFile(*pipelinePath); err != nil {
			fail("pipeline", err)
		}
	}
	p := pipeline.New(df, steps...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	job := task.Start(ctx, *in, func(ctx context.Context, report func(float64, string)) (int, error) {
		res, err := p.Apply(ctx, func(pr pipeline.Progress) { report(pr.Fraction, pr.Text) })
		if err != nil {
			return 0, err
		}
		if err := writeTable(*out, res); err != nil {
			return 0, fmt.Errorf("write table: %w", err)
		}
		return res.RowCount(), nil
	})
	rows, err := job.Wait(func(ev task.Event[int]) {
		if *progressFlag {
			fmt.Fprintf(os.Stderr, "\r%s %3.0f%%", ev.Text, ev.Fraction*100)
		}
	})
	if *progressFlag {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		fail("apply", err)
	}
	fmt.Printf("%d of %d rows after %d steps, written to %s\n", rows, df.RowCount(), len(steps), *out)
}
