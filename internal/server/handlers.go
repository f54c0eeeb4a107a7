package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/telemlog/internal/common"
	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/pipeline"
	"example.com/telemlog/internal/schema"
	"example.com/telemlog/internal/task"
)

// Server coordinates HTTP handlers and manages the artifacts produced by
// decode and apply jobs.
type Server struct {
	artifacts   *ArtifactStore
	workDir     string
	uploadsDir  string
	headers     map[string]headerEntry
	registry    *format.Registry
	defaults    DecodeDefaults
	concurrency int
	tracker     *task.Tracker
	steps       *pipeline.Registry
	metrics     *Metrics
	gatherer    prometheus.Gatherer
}

// Artifact represents a file generated or stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of generated artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer constructs a Server rooted at a temporary workspace directory.
func NewServer(opts Options) (*Server, error) {
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	headers, err := buildHeaderMap(opts)
	if err != nil {
		return nil, err
	}
	defaults := opts.Decode.withFallbacks()
	abi := format.Options{PointerWidth: defaults.PointerWidth, MaxAlign: defaults.MaxAlign}
	if err := abi.Validate(); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	workDir, err := os.MkdirTemp(storageDir, "telemd-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	var registry *format.Registry
	if opts.RegistryPath != "" {
		if registry, err = format.OpenRegistry(opts.RegistryPath); err != nil {
			os.RemoveAll(workDir)
			return nil, err
		}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	reg, gatherer := opts.Registerer, opts.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	}
	s := &Server{
		artifacts:   &ArtifactStore{entries: make(map[string]Artifact)},
		workDir:     workDir,
		uploadsDir:  uploadsDir,
		headers:     headers,
		registry:    registry,
		defaults:    defaults,
		concurrency: concurrency,
		tracker:     task.NewTracker(),
		steps:       pipeline.NewRegistry(),
		metrics:     NewMetrics(reg),
		gatherer:    gatherer,
	}
	return s, nil
}

// Close removes any temporary state associated with the server.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	var err error
	if s.registry != nil {
		err = s.registry.Close()
	}
	if rmErr := os.RemoveAll(s.workDir); err == nil {
		err = rmErr
	}
	return err
}

func (s *Server) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	id := randomID()
	art := Artifact{
		ID:          id,
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[id] = art
	s.artifacts.mu.Unlock()
	return art, nil
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

func (s *Server) resolvePath(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty input path")
	}
	if art, ok := s.getArtifact(token); ok {
		return art.Path, nil
	}
	abs := token
	if !filepath.IsAbs(token) {
		abs = filepath.Clean(token)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// formatRequest selects the format of a request. At most one of Header,
// HeaderID, HeaderArtifact and Fingerprint is expected; with none of them
// the log itself must carry or name its format.
type formatRequest struct {
	Header         string `json:"header"`
	HeaderID       string `json:"headerId"`
	HeaderArtifact string `json:"headerArtifact"`
	Fingerprint    string `json:"fingerprint"`
	Roots          string `json:"roots"`
	PointerWidth   int    `json:"pointerWidth"`
	MaxAlign       int    `json:"maxAlign"`
}

func (req formatRequest) hasHeader() bool {
	return strings.TrimSpace(req.Header) != "" || strings.TrimSpace(req.HeaderID) != "" ||
		strings.TrimSpace(req.HeaderArtifact) != ""
}

func (s *Server) abi(req formatRequest) format.Options {
	o := format.Options{PointerWidth: s.defaults.PointerWidth, MaxAlign: s.defaults.MaxAlign}
	if req.PointerWidth != 0 {
		o.PointerWidth = req.PointerWidth
	}
	if req.MaxAlign != 0 {
		o.MaxAlign = req.MaxAlign
	}
	return o
}

func (s *Server) resolveFormat(req formatRequest) (*format.Format, error) {
	switch {
	case strings.TrimSpace(req.HeaderID) != "":
		return s.loadHeader(req.HeaderID, req.Roots, s.abi(req))
	case strings.TrimSpace(req.HeaderArtifact) != "":
		art, ok := s.getArtifact(req.HeaderArtifact)
		if !ok || art.Kind != "header" {
			return nil, fmt.Errorf("no uploaded header %s", req.HeaderArtifact)
		}
		res, err := schema.ParseFile(art.Path)
		if err != nil {
			return nil, err
		}
		roots, err := format.ParseRoots(req.Roots)
		if err != nil {
			return nil, err
		}
		return format.Layout(res.Schema, roots, s.abi(req))
	case strings.TrimSpace(req.Header) != "":
		sch, err := schema.Parse(req.Header)
		if err != nil {
			return nil, err
		}
		roots, err := format.ParseRoots(req.Roots)
		if err != nil {
			return nil, err
		}
		return format.Layout(sch, roots, s.abi(req))
	case strings.TrimSpace(req.Fingerprint) != "":
		if s.registry == nil {
			return nil, errors.New("no format registry configured")
		}
		fp, err := format.ParseFingerprint(req.Fingerprint)
		if err != nil {
			return nil, err
		}
		return s.registry.Lookup(fp)
	}
	return nil, nil
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		formatRequest
		Register bool   `json:"register"`
		Label    string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if !req.hasHeader() {
		http.Error(w, "header, headerId or headerArtifact required", http.StatusBadRequest)
		return
	}
	f, err := s.resolveFormat(req.formatRequest)
	if err != nil {
		http.Error(w, fmt.Sprintf("layout: %v", err), http.StatusBadRequest)
		return
	}
	registered := false
	if req.Register {
		if s.registry == nil {
			http.Error(w, "no format registry configured", http.StatusConflict)
			return
		}
		if _, err := s.registry.Put(f, req.Label); err != nil {
			http.Error(w, fmt.Sprintf("register format: %v", err), http.StatusInternalServerError)
			return
		}
		registered = true
	}
	resp := struct {
		Fingerprint string         `json:"fingerprint"`
		MaxSize     int            `json:"maxSize"`
		Format      *format.Format `json:"format"`
		Registered  bool           `json:"registered"`
	}{
		Fingerprint: f.Fingerprint().String(),
		MaxSize:     f.MaxSize(),
		Format:      f,
		Registered:  registered,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.headerIDs())
}

func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.Error(w, "no format registry configured", http.StatusNotFound)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/formats"), "/")
	if id == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		entries, err := s.registry.List()
		if err != nil {
			http.Error(w, fmt.Sprintf("list formats: %v", err), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []format.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}
	fp, err := format.ParseFingerprint(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		e, err := s.registry.Get(fp)
		if errors.Is(err, format.ErrNotRegistered) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("get format: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, e)
	case http.MethodDelete:
		if err := s.registry.Delete(fp); err != nil {
			http.Error(w, fmt.Sprintf("delete format: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.listArtifacts())
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	if art.ContentType != "" {
		w.Header().Set("Content-Type", art.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	disposition := fmt.Sprintf("attachment; filename=\"%s\"", art.Name)
	w.Header().Set("Content-Disposition", disposition)
	if _, err := io.Copy(w, f); err != nil {
		common.Logf("artifact %s: %v", id, err)
	}
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".ndjson":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".arrow":
		return "application/vnd.apache.arrow.stream"
	case ".zst":
		return "application/zstd"
	case ".h", ".hpp", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}
