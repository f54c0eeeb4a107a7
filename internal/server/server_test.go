package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"example.com/telemlog/internal/decode"
	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/frame"
	"example.com/telemlog/internal/schema"
)

const testHeader = `
struct Imu { uint16_t id; float ax; };
struct Gps { double lat; };
`

func newTestServer(t *testing.T, opts Options) (*Server, http.Handler) {
	t.Helper()
	if opts.StorageDir == "" {
		opts.StorageDir = filepath.Join(t.TempDir(), "storage")
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	router, err := NewRouter(srv)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return srv, router
}

func testFormat(t *testing.T) *format.Format {
	t.Helper()
	s, err := schema.Parse(testHeader)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	f, err := format.Layout(s, nil, format.DefaultOptions())
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	return f
}

// writeTestLog writes n Imu records and one Gps record after every third.
func writeTestLog(t *testing.T, path string, f *format.Format, selfDescribing bool, n int) int {
	t.Helper()
	var buf bytes.Buffer
	enc, err := decode.NewEncoder(&buf, f, decode.EncoderOptions{SelfDescribing: selfDescribing})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	records := 0
	for i := 0; i < n; i++ {
		rec := decode.Record{Determinant: 1, Timestamp: uint64(1000 * i), Values: []frame.Value{frame.Uint(uint64(i)), frame.Float(0.5)}}
		if err := enc.Encode(rec); err != nil {
			t.Fatalf("encode imu: %v", err)
		}
		records++
		if i%3 == 2 {
			gps := decode.Record{Determinant: 2, Timestamp: uint64(1000*i + 1), Values: []frame.Value{frame.Float(47.25)}}
			if err := enc.Encode(gps); err != nil {
				t.Fatalf("encode gps: %v", err)
			}
			records++
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return records
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type streamedEvent struct {
	Type     string          `json:"type"`
	Job      string          `json:"job"`
	Seq      uint64          `json:"seq"`
	Fraction float64         `json:"fraction"`
	Current  bool            `json:"current"`
	Error    string          `json:"error"`
	Result   json.RawMessage `json:"result"`
}

func readEvents(t *testing.T, body io.Reader) []streamedEvent {
	t.Helper()
	var evs []streamedEvent
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev streamedEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		evs = append(evs, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan events: %v", err)
	}
	return evs
}

func uploadFile(t *testing.T, h http.Handler, path string) ArtifactRef {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	part.Write(data)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Files []ArtifactRef `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if len(resp.Files) != 1 {
		t.Fatalf("expected 1 uploaded file, got %d", len(resp.Files))
	}
	return resp.Files[0]
}

func artifactOfKind(t *testing.T, arts []ArtifactRef, kind string) ArtifactRef {
	t.Helper()
	for _, a := range arts {
		if a.Kind == kind {
			return a
		}
	}
	t.Fatalf("no %s artifact in %+v", kind, arts)
	return ArtifactRef{}
}

func TestSchemaEndpointRegistersFormat(t *testing.T) {
	_, h := newTestServer(t, Options{RegistryPath: filepath.Join(t.TempDir(), "formats.db")})
	want := testFormat(t).Fingerprint().String()

	rec := postJSON(t, h, "/schema", map[string]any{"header": testHeader, "register": true, "label": "bench"})
	if rec.Code != http.StatusOK {
		t.Fatalf("schema status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Fingerprint string          `json:"fingerprint"`
		MaxSize     int             `json:"maxSize"`
		Format      json.RawMessage `json:"format"`
		Registered  bool            `json:"registered"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode schema response: %v", err)
	}
	if resp.Fingerprint != want || !resp.Registered || resp.MaxSize != 8 {
		t.Fatalf("unexpected schema response %+v", resp)
	}
	f, err := format.ParseJSON(resp.Format)
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	if f.Fingerprint().String() != want {
		t.Fatalf("format document fingerprints as %s, want %s", f.Fingerprint(), want)
	}

	list := httptest.NewRecorder()
	h.ServeHTTP(list, httptest.NewRequest(http.MethodGet, "/formats", nil))
	var entries []format.Entry
	if err := json.Unmarshal(list.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode formats: %v", err)
	}
	if len(entries) != 1 || entries[0].Label != "bench" {
		t.Fatalf("unexpected registry listing %+v", entries)
	}

	del := httptest.NewRecorder()
	h.ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/formats/"+want, nil))
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", del.Code)
	}
	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/formats/"+want, nil))
	if get.Code != http.StatusNotFound {
		t.Fatalf("deleted format still served: %d", get.Code)
	}
}

func TestSchemaEndpointReportsParseErrors(t *testing.T) {
	_, h := newTestServer(t, Options{})
	rec := postJSON(t, h, "/schema", map[string]any{"header": "struct Broken { int a "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = postJSON(t, h, "/schema", map[string]any{"header": testHeader, "pointerWidth": 3})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad pointer width, got %d", rec.Code)
	}
}

func TestDecodeStreamsProgressAndOneTerminal(t *testing.T) {
	srv, h := newTestServer(t, Options{})
	logPath := filepath.Join(t.TempDir(), "flight.bin")
	records := writeTestLog(t, logPath, testFormat(t), false, 300)
	up := uploadFile(t, h, logPath)
	if up.Kind != "log" {
		t.Fatalf("upload kind = %q", up.Kind)
	}

	rec := postJSON(t, h, "/decode", map[string]any{"header": testHeader, "inputs": []string{up.ID}})
	if rec.Code != http.StatusOK {
		t.Fatalf("decode status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %q", ct)
	}
	evs := readEvents(t, rec.Body)
	if len(evs) == 0 {
		t.Fatal("no events streamed")
	}
	terminals := 0
	for i, ev := range evs {
		if ev.Type != "progress" {
			terminals++
		}
		if i > 0 && ev.Seq <= evs[i-1].Seq {
			t.Fatalf("events out of order at %d", i)
		}
	}
	last := evs[len(evs)-1]
	if terminals != 1 || last.Type != "done" {
		t.Fatalf("expected a single done event last, got %d terminals, last %+v", terminals, last)
	}
	var res decodeResult
	if err := json.Unmarshal(last.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Rows != records || res.Report.Records != int64(records) {
		t.Fatalf("rows = %d, report records = %d, want %d", res.Rows, res.Report.Records, records)
	}
	if res.Columns[0] != decode.SensorColumn || res.Columns[1] != decode.TimestampColumn {
		t.Fatalf("unexpected columns %v", res.Columns)
	}
	for _, kind := range []string{"frame", "table", "report"} {
		artifactOfKind(t, res.Artifacts, kind)
	}
	if got := testutil.ToFloat64(srv.metrics.Records); got != float64(records) {
		t.Fatalf("records metric = %v, want %d", got, records)
	}
	if got := testutil.ToFloat64(srv.metrics.Jobs.WithLabelValues("decode", "ok")); got != 1 {
		t.Fatalf("decode jobs metric = %v", got)
	}
}

func TestDecodeFailureIsTerminalEvent(t *testing.T) {
	_, h := newTestServer(t, Options{})
	logPath := filepath.Join(t.TempDir(), "other.bin")
	writeTestLog(t, logPath, testFormat(t), false, 3)

	rec := postJSON(t, h, "/decode", map[string]any{"header": `struct Other { int64_t x; };`, "inputs": []string{logPath}})
	evs := readEvents(t, rec.Body)
	if len(evs) != 1 || evs[0].Type != "failed" || !strings.Contains(evs[0].Error, "fingerprint") {
		t.Fatalf("expected one failed event about the fingerprint, got %+v", evs)
	}
}

func TestDecodeSelfDescribingLogRegistersFormat(t *testing.T) {
	srv, h := newTestServer(t, Options{RegistryPath: filepath.Join(t.TempDir(), "formats.db")})
	logPath := filepath.Join(t.TempDir(), "embedded.bin")
	f := testFormat(t)
	writeTestLog(t, logPath, f, true, 10)

	rec := postJSON(t, h, "/decode?stream=false", map[string]any{"inputs": []string{logPath}})
	if rec.Code != http.StatusOK {
		t.Fatalf("decode status %d: %s", rec.Code, rec.Body.String())
	}
	var res decodeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Fingerprint != f.Fingerprint().String() {
		t.Fatalf("fingerprint = %s, want %s", res.Fingerprint, f.Fingerprint())
	}
	if _, err := srv.registry.Get(f.Fingerprint()); err != nil {
		t.Fatalf("embedded format not registered: %v", err)
	}

	// the registered format now decodes a plain log of the same layout
	plain := filepath.Join(t.TempDir(), "plain.bin")
	writeTestLog(t, plain, f, false, 4)
	rec = postJSON(t, h, "/decode?stream=false", map[string]any{"inputs": []string{plain}})
	if rec.Code != http.StatusOK {
		t.Fatalf("registry decode status %d: %s", rec.Code, rec.Body.String())
	}
}

func decodeToFrame(t *testing.T, h http.Handler) ArtifactRef {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "flight.bin")
	writeTestLog(t, logPath, testFormat(t), false, 9)
	rec := postJSON(t, h, "/decode?stream=false", map[string]any{"header": testHeader, "inputs": []string{logPath}})
	if rec.Code != http.StatusOK {
		t.Fatalf("decode status %d: %s", rec.Code, rec.Body.String())
	}
	var res decodeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return artifactOfKind(t, res.Artifacts, "frame")
}

func TestApplyFiltersDecodedFrame(t *testing.T) {
	_, h := newTestServer(t, Options{})
	fr := decodeToFrame(t, h)

	steps := []map[string]any{
		{"op": "select", "column": "sensor", "value": "Gps"},
		{"op": "sort", "column": "timestamp", "descending": true},
	}
	rec := postJSON(t, h, "/apply?stream=false", map[string]any{"frame": fr.ID, "steps": steps})
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status %d: %s", rec.Code, rec.Body.String())
	}
	var res applyResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode apply result: %v", err)
	}
	if res.Rows != 3 || len(res.Pipeline.Steps) != 2 {
		t.Fatalf("unexpected apply result %+v", res)
	}
	out := artifactOfKind(t, res.Artifacts, "frame")

	dl := httptest.NewRecorder()
	h.ServeHTTP(dl, httptest.NewRequest(http.MethodGet, "/artifacts/"+out.ID, nil))
	if dl.Code != http.StatusOK {
		t.Fatalf("download status %d", dl.Code)
	}
	df, err := frame.ReadArrow(dl.Body)
	if err != nil {
		t.Fatalf("ReadArrow: %v", err)
	}
	first, err := df.GetByName(0, "timestamp")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if first.Uint() != 8001 {
		t.Fatalf("first timestamp after descending sort = %d", first.Uint())
	}

	// the pristine frame is untouched, so a second apply sees every row
	rec = postJSON(t, h, "/apply?stream=false", map[string]any{"frame": fr.ID})
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode apply result: %v", err)
	}
	if res.Rows != 12 {
		t.Fatalf("default pipeline rows = %d, want 12", res.Rows)
	}
}

func TestApplyStreamsStepProgress(t *testing.T) {
	_, h := newTestServer(t, Options{})
	fr := decodeToFrame(t, h)
	steps := []map[string]any{
		{"op": "fill", "column": "*"},
		{"op": "sort", "column": "Imu.id"},
	}
	rec := postJSON(t, h, "/apply", map[string]any{"frame": fr.ID, "steps": steps})
	evs := readEvents(t, rec.Body)
	last := evs[len(evs)-1]
	if last.Type != "done" || !last.Current {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	for _, ev := range evs[:len(evs)-1] {
		if ev.Type != "progress" {
			t.Fatalf("terminal event before the end: %+v", ev)
		}
	}
}

func TestApplyRejectsBadPipeline(t *testing.T) {
	_, h := newTestServer(t, Options{})
	fr := decodeToFrame(t, h)
	for name, steps := range map[string][]map[string]any{
		"unknown op":    {{"op": "explode"}},
		"bad direction": {{"op": "fill", "column": "*", "direction": "sideways"}},
	} {
		t.Run(name, func(t *testing.T) {
			rec := postJSON(t, h, "/apply", map[string]any{"frame": fr.ID, "steps": steps})
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}

	rec := postJSON(t, h, "/apply?stream=false", map[string]any{
		"frame": fr.ID,
		"steps": []map[string]any{{"op": "sort", "column": "missing"}},
	})
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), "missing") {
		t.Fatalf("expected a filter error naming the column, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, h := newTestServer(t, Options{Registerer: reg, Gatherer: reg})
	decodeToFrame(t, h)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"telemd_jobs_total", "telemd_records_decoded_total", "telemd_job_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
	want := fmt.Sprintf(`telemd_jobs_total{op="decode",result="ok"} %d`, 1)
	if !strings.Contains(body, want) {
		t.Fatalf("metrics output missing %q", want)
	}
}

func TestDecodeUploadedHeaderAndSniffedZstd(t *testing.T) {
	_, h := newTestServer(t, Options{})
	dir := t.TempDir()
	headerPath := filepath.Join(dir, "sensors.h")
	if err := os.WriteFile(headerPath, []byte(testHeader), 0o644); err != nil {
		t.Fatalf("write header: %v", err)
	}
	hdr := uploadFile(t, h, headerPath)
	if hdr.Kind != "header" {
		t.Fatalf("header upload kind = %q", hdr.Kind)
	}

	raw := filepath.Join(dir, "raw.bin")
	records := writeTestLog(t, raw, testFormat(t), false, 30)
	data, err := os.ReadFile(raw)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	packed := filepath.Join(dir, "flight.bin")
	if err := os.WriteFile(packed, enc.EncodeAll(data, nil), 0o644); err != nil {
		t.Fatalf("write packed: %v", err)
	}
	enc.Close()
	up := uploadFile(t, h, packed)

	rec := postJSON(t, h, "/decode?stream=false", map[string]any{"headerArtifact": hdr.ID, "inputs": []string{up.ID}})
	if rec.Code != http.StatusOK {
		t.Fatalf("decode status %d: %s", rec.Code, rec.Body.String())
	}
	var res decodeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Rows != records {
		t.Fatalf("rows = %d, want %d", res.Rows, records)
	}
}

func TestUploadRejectsBrokenHeader(t *testing.T) {
	_, h := newTestServer(t, Options{})
	path := filepath.Join(t.TempDir(), "broken.h")
	if err := os.WriteFile(path, []byte("struct Imu { uint16_t id "), 0o644); err != nil {
		t.Fatalf("write header: %v", err)
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "broken.h")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	data, _ := os.ReadFile(path)
	part.Write(data)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "broken.h") {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}
