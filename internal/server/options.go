package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/telemlog/internal/decode"
	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/schema"
)

// HeaderEntry names a C header the daemon can decode with. Clients refer to
// it by ID instead of sending the header text.
type HeaderEntry struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Path  string `json:"path" yaml:"path"`
	Roots string `json:"roots,omitempty" yaml:"roots,omitempty"`
}

// DecodeDefaults apply to requests that leave the matching field unset.
type DecodeDefaults struct {
	PointerWidth     int            `yaml:"pointer_width"`
	MaxAlign         int            `yaml:"max_align"`
	Framing          decode.Framing `yaml:"framing"`
	AllowPartialTail bool           `yaml:"allow_partial_tail"`
}

func (d DecodeDefaults) withFallbacks() DecodeDefaults {
	def := format.DefaultOptions()
	if d.PointerWidth == 0 {
		d.PointerWidth = def.PointerWidth
	}
	if d.MaxAlign == 0 {
		d.MaxAlign = def.MaxAlign
	}
	if d.Framing == (decode.Framing{}) {
		d.Framing = decode.DefaultFraming()
	}
	return d
}

// Options configures server creation.
type Options struct {
	StorageDir string
	// HeaderManifest lists headers by ID; see LoadHeaderManifest.
	HeaderManifest string
	Headers        []HeaderEntry
	// RegistryPath is the bbolt file holding known formats. Empty disables
	// lookups by fingerprint.
	RegistryPath string
	Decode       DecodeDefaults
	Concurrency  int
	// Registerer receives the server metrics. Defaults to a private
	// registry exposed on /metrics.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

type headerEntry struct {
	HeaderEntry
	roots []format.Root
}

// LoadHeaderManifest parses a JSON document enumerating header files.
// Relative paths are resolved against the manifest's directory.
func LoadHeaderManifest(path string) ([]HeaderEntry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("manifest path is empty")
	}
	manifestPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("manifest path: %w", err)
	}
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	var doc struct {
		Headers []HeaderEntry `json:"headers"`
	}
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if len(doc.Headers) == 0 {
		return nil, errors.New("manifest contains no headers")
	}
	base := filepath.Dir(manifestPath)
	out := make([]HeaderEntry, len(doc.Headers))
	for i, h := range doc.Headers {
		h.ID = strings.TrimSpace(h.ID)
		h.Path = strings.TrimSpace(h.Path)
		if h.ID == "" {
			return nil, errors.New("manifest header entry missing id")
		}
		if h.Path == "" {
			return nil, fmt.Errorf("manifest header %s missing path", h.ID)
		}
		if !filepath.IsAbs(h.Path) {
			h.Path = filepath.Join(base, h.Path)
		}
		out[i] = h
	}
	return out, nil
}

func buildHeaderMap(opts Options) (map[string]headerEntry, error) {
	headers := opts.Headers
	if len(headers) == 0 && strings.TrimSpace(opts.HeaderManifest) != "" {
		var err error
		headers, err = LoadHeaderManifest(opts.HeaderManifest)
		if err != nil {
			return nil, fmt.Errorf("load header manifest: %w", err)
		}
	}
	entries := make(map[string]headerEntry, len(headers))
	for _, h := range headers {
		id := strings.TrimSpace(h.ID)
		if id == "" {
			return nil, errors.New("header entry missing id")
		}
		if _, exists := entries[id]; exists {
			return nil, fmt.Errorf("duplicate header %s configured", id)
		}
		path, err := filepath.Abs(h.Path)
		if err != nil {
			return nil, fmt.Errorf("header %s path: %w", id, err)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("header %s: %w", id, err)
		}
		roots, err := format.ParseRoots(h.Roots)
		if err != nil {
			return nil, fmt.Errorf("header %s roots: %w", id, err)
		}
		h.ID = id
		h.Path = path
		entries[id] = headerEntry{HeaderEntry: h, roots: roots}
	}
	return entries, nil
}

func (s *Server) headerIDs() []HeaderEntry {
	out := make([]HeaderEntry, 0, len(s.headers))
	for _, h := range s.headers {
		out = append(out, h.HeaderEntry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// loadHeader lays out a configured header. A non-empty roots replaces the
// roots from the manifest.
func (s *Server) loadHeader(id string, roots string, abi format.Options) (*format.Format, error) {
	h, ok := s.headers[id]
	if !ok {
		return nil, fmt.Errorf("unknown header %s", id)
	}
	res, err := schema.ParseFile(h.Path)
	if err != nil {
		return nil, err
	}
	rs := h.roots
	if strings.TrimSpace(roots) != "" {
		if rs, err = format.ParseRoots(roots); err != nil {
			return nil, err
		}
	}
	return format.Layout(res.Schema, rs, abi)
}
