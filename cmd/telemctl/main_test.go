package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"example.com/telemlog/internal/decode"
	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/frame"
	"example.com/telemlog/internal/report"
	"example.com/telemlog/internal/schema"
	"github.com/klauspost/compress/zstd"
)

const boardHeader = `
#pragma once
#include <stdint.h>

enum class Mode : uint8_t { Idle, Armed, Flight = 7 };

struct Vec3 { float x, y, z; };

struct Imu {
    uint32_t seq;
    Vec3 accel;
    int16_t temp_c;
    Mode mode;
};

struct Baro {
    double pressure;
    bool valid;
};
`

func writeHeader(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "board.h")
	if err := os.WriteFile(path, []byte(boardHeader), 0o644); err != nil {
		t.Fatalf("WriteFile header: %v", err)
	}
	return path
}

func boardFormat(t *testing.T) *format.Format {
	t.Helper()
	s, err := schema.Parse(boardHeader)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f, err := format.Layout(s, nil, format.DefaultOptions())
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	return f
}

func compress(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	if err := os.WriteFile(dst, enc.EncodeAll(data, nil), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestSynthesizeInjectsResyncRegions(t *testing.T) {
	f := boardFormat(t)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	n, garbage, err := synthesize(w, f, decode.EncoderOptions{}, 200, 5, 42)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	w.Flush()
	if n != 200 || garbage < 5 {
		t.Fatalf("synthesize = %d records, %d garbage bytes", n, garbage)
	}

	d, err := decode.NewDecoder(bytes.NewReader(buf.Bytes()), f, decode.Options{})
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	var recs []decode.Record
	for {
		rec, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		recs = append(recs, rec)
	}
	rep := d.Report()
	if len(recs) != 200 || len(rep.Resyncs) != 5 || rep.SkippedBytes != int64(garbage) {
		t.Fatalf("decoded %d records, %d regions, %d skipped bytes; want 200, 5, %d",
			len(recs), len(rep.Resyncs), rep.SkippedBytes, garbage)
	}
	if recs[0].Variant.Name != "Imu" || recs[1].Variant.Name != "Baro" {
		t.Fatalf("variants do not alternate: %s, %s", recs[0].Variant.Name, recs[1].Variant.Name)
	}
}

func TestSynthDecodeApply(t *testing.T) {
	dir := t.TempDir()
	header := writeHeader(t, dir)
	logPath := filepath.Join(dir, "flight.bin")
	synthCmd([]string{"--header", header, "--out", logPath, "--records", "60", "--corrupt", "3"})

	table := filepath.Join(dir, "flight.arrow")
	repPath := filepath.Join(dir, "report.json")
	pdfPath := filepath.Join(dir, "report.pdf")
	decodeCmd([]string{"--header", header, "--in", logPath, "--out", table, "--report", repPath, "--pdf", pdfPath})

	rep, err := report.LoadDecodeJSON(repPath)
	if err != nil {
		t.Fatalf("LoadDecodeJSON: %v", err)
	}
	if rep.Records != 60 || rep.Resyncs != 3 || rep.Rows != 60 {
		t.Fatalf("unexpected report totals: records=%d resyncs=%d rows=%d", rep.Records, rep.Resyncs, rep.Rows)
	}
	if info, err := os.Stat(pdfPath); err != nil || info.Size() == 0 {
		t.Fatalf("pdf report missing: %v", err)
	}

	pipelinePath := filepath.Join(dir, "steps.yaml")
	steps := []byte(`name: baro only
steps:
  - op: select
    column: sensor
    value: Baro
  - op: sort
    column: Baro.pressure
    descending: true
`)
	if err := os.WriteFile(pipelinePath, steps, 0o644); err != nil {
		t.Fatalf("WriteFile pipeline: %v", err)
	}
	filtered := filepath.Join(dir, "baro.csv")
	applyCmd([]string{"--in", table, "--pipeline", pipelinePath, "--out", filtered})

	f, err := os.Open(filtered)
	if err != nil {
		t.Fatalf("open filtered: %v", err)
	}
	defer f.Close()
	df, err := frame.ReadCSV(f)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if df.RowCount() != 30 {
		t.Fatalf("filtered rows = %d, want 30", df.RowCount())
	}
	prev, err := df.GetByName(0, "Baro.pressure")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	for r := 1; r < df.RowCount(); r++ {
		v, err := df.GetByName(r, "Baro.pressure")
		if err != nil {
			t.Fatalf("GetByName: %v", err)
		}
		if v.Float() > prev.Float() {
			t.Fatalf("row %d not in descending order", r)
		}
		prev = v
	}
}

func TestDecodeWithRegistry(t *testing.T) {
	dir := t.TempDir()
	header := writeHeader(t, dir)
	registry := filepath.Join(dir, "formats.db")
	formatsAddCmd([]string{"--header", header, "--label", "fw 1.2", "--registry", registry})

	logPath := filepath.Join(dir, "flight.bin.zst")
	raw := filepath.Join(dir, "flight.bin")
	synthCmd([]string{"--header", header, "--out", raw, "--records", "10"})
	compress(t, raw, logPath)

	table := filepath.Join(dir, "flight.csv")
	decodeCmd([]string{"--registry", registry, "--in", logPath, "--out", table})
	f, err := os.Open(table)
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	defer f.Close()
	df, err := frame.ReadCSV(f)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if df.RowCount() != 10 {
		t.Fatalf("rows = %d, want 10", df.RowCount())
	}

	reg, err := format.OpenRegistry(registry)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer reg.Close()
	entries, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Label != "fw 1.2" || entries[0].Fingerprint != boardFormat(t).Fingerprint() {
		t.Fatalf("unexpected registry entries %+v", entries)
	}
}
