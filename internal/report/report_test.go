package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"example.com/telemlog/internal/decode"
	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/schema"
)

func sampleReport(t *testing.T) DecodeReport {
	t.Helper()
	s, err := schema.Parse(`struct Imu { uint16_t id; float ax; }; struct Gps { double lat; };`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f, err := format.Layout(s, nil, format.DefaultOptions())
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	in := filepath.Join(t.TempDir(), "flight.bin")
	if err := os.WriteFile(in, []byte("not really a log"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	files := []decode.FileReport{
		{
			Path: in,
			Size: 16,
			Report: decode.Report{
				Fingerprint:  f.Fingerprint(),
				Records:      12,
				PerVariant:   map[string]int64{"Imu": 10, "Gps": 2},
				Resyncs:      []decode.Region{{Offset: 40, Length: 3}, {Offset: 90, Length: 1}},
				SkippedBytes: 4,
			},
		},
		{
			Path:   filepath.Join(t.TempDir(), "gone.bin"),
			Report: decode.Report{Fingerprint: f.Fingerprint(), SelfDescribing: true, Records: 3},
		},
	}
	return Build(f, files, 15, 6, 1500*time.Millisecond)
}

func TestBuildTotals(t *testing.T) {
	rep := sampleReport(t)
	if rep.Records != 15 || rep.Resyncs != 2 || rep.SkippedBytes != 4 {
		t.Fatalf("unexpected totals: %+v", rep)
	}
	if len(rep.Variants) != 2 || rep.Variants[0].Name != "Imu" || rep.Variants[0].Size != 8 {
		t.Fatalf("unexpected variants: %+v", rep.Variants)
	}
	if len(rep.Inputs[0].Sha256) != 64 {
		t.Fatalf("expected sha256 of first input, got %q", rep.Inputs[0].Sha256)
	}
	if rep.Inputs[1].Sha256 != "" {
		t.Fatalf("missing input should have no digest")
	}
	if rep.DurationMs != 1500 {
		t.Fatalf("duration = %d", rep.DurationMs)
	}
}

func TestDecodeJSONRoundTrip(t *testing.T) {
	rep := sampleReport(t)
	path := filepath.Join(t.TempDir(), "report.json")
	if err := SaveDecodeJSON(rep, path); err != nil {
		t.Fatalf("SaveDecodeJSON: %v", err)
	}
	got, err := LoadDecodeJSON(path)
	if err != nil {
		t.Fatalf("LoadDecodeJSON: %v", err)
	}
	if got.Fingerprint != rep.Fingerprint || got.Records != rep.Records || len(got.Inputs[0].Resyncs) != 2 {
		t.Fatalf("round trip lost data: %+v", got)
	}
}

func TestSaveDecodePDF(t *testing.T) {
	rep := sampleReport(t)
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := SaveDecodePDF(rep, path); err != nil {
		t.Fatalf("SaveDecodePDF: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pdf: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		t.Fatalf("output is not a PDF")
	}
}

func TestFingerprintQR(t *testing.T) {
	png, err := FingerprintQR("0a1b2c3d", 0)
	if err != nil {
		t.Fatalf("FingerprintQR: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("output is not a PNG")
	}
	if _, err := FingerprintQR("  zz ", 64); err == nil {
		t.Fatalf("expected error for a value without hex digits")
	}
}
