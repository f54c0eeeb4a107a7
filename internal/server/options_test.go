package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeHeaderManifest(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "headers")
	if err := os.MkdirAll(filepath.Join(dir, "v2"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "v2", "sensors.h"), []byte(testHeader), 0o644); err != nil {
		t.Fatalf("WriteFile header: %v", err)
	}
	manifest := struct {
		Headers []HeaderEntry `json:"headers"`
	}{
		Headers: []HeaderEntry{
			{ID: "sensors-v2", Name: "Sensor board v2", Path: filepath.Join("v2", "sensors.h"), Roots: "Gps=9,Imu"},
		},
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		t.Fatalf("Marshal manifest: %v", err)
	}
	path := filepath.Join(dir, "index.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}
	return path
}

func TestLoadHeaderManifestResolvesPaths(t *testing.T) {
	path := writeHeaderManifest(t)
	headers, err := LoadHeaderManifest(path)
	if err != nil {
		t.Fatalf("LoadHeaderManifest: %v", err)
	}
	if len(headers) != 1 {
		t.Fatalf("expected 1 header, got %d", len(headers))
	}
	if !strings.HasPrefix(headers[0].Path, filepath.Dir(path)) {
		t.Errorf("header path %s not rooted under manifest dir", headers[0].Path)
	}
	if _, err := os.Stat(headers[0].Path); err != nil {
		t.Errorf("header stat: %v", err)
	}
}

func TestLoadHeaderManifestRejectsIncompleteEntries(t *testing.T) {
	dir := t.TempDir()
	for name, doc := range map[string]string{
		"empty":      `{"headers": []}`,
		"missing id": `{"headers": [{"path": "a.h"}]}`,
		"no path":    `{"headers": [{"id": "a"}]}`,
	} {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".json")
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := LoadHeaderManifest(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNewServerRejectsDuplicateHeaders(t *testing.T) {
	headers, err := LoadHeaderManifest(writeHeaderManifest(t))
	if err != nil {
		t.Fatalf("LoadHeaderManifest: %v", err)
	}
	_, err = NewServer(Options{StorageDir: t.TempDir(), Headers: append(headers, headers[0])})
	if err == nil || !strings.Contains(err.Error(), "duplicate header") {
		t.Fatalf("expected duplicate header error, got %v", err)
	}
}

func TestNewServerRejectsBadDecodeDefaults(t *testing.T) {
	_, err := NewServer(Options{StorageDir: t.TempDir(), Decode: DecodeDefaults{PointerWidth: 16}})
	if err == nil {
		t.Fatal("expected error for pointer width 16")
	}
}

func TestSchemaByHeaderID(t *testing.T) {
	_, h := newTestServer(t, Options{HeaderManifest: writeHeaderManifest(t)})

	list := httptest.NewRecorder()
	h.ServeHTTP(list, httptest.NewRequest(http.MethodGet, "/headers", nil))
	var headers []HeaderEntry
	if err := json.Unmarshal(list.Body.Bytes(), &headers); err != nil {
		t.Fatalf("decode headers: %v", err)
	}
	if len(headers) != 1 || headers[0].ID != "sensors-v2" {
		t.Fatalf("unexpected headers %+v", headers)
	}

	rec := postJSON(t, h, "/schema", map[string]any{"headerId": "sensors-v2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("schema status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Format map[string]json.RawMessage `json:"format"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode schema response: %v", err)
	}
	var gps []json.RawMessage
	if err := json.Unmarshal(resp.Format["Gps"], &gps); err != nil || len(gps) != 2 {
		t.Fatalf("Gps entry missing from %s", rec.Body.String())
	}
	if string(gps[0]) != "9" {
		t.Fatalf("Gps determinant = %s, want 9", gps[0])
	}

	rec = postJSON(t, h, "/schema", map[string]any{"headerId": "nope"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown header id: expected 400, got %d", rec.Code)
	}
}
