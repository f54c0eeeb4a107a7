package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"example.com/telemlog/internal/schema"
)

const maxUploadMemory = 512 << 20

// handleUpload stores multipart files for later /decode and /apply requests,
// which refer to them by artifact ID.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart: %v", err), http.StatusBadRequest)
		return
	}
	if r.MultipartForm == nil {
		http.Error(w, "no files provided", http.StatusBadRequest)
		return
	}
	var refs []ArtifactRef
	for _, files := range r.MultipartForm.File {
		for _, fh := range files {
			ref, err := s.saveUploadedFile(fh)
			if err != nil {
				http.Error(w, fmt.Sprintf("save upload %s: %v", fh.Filename, err), http.StatusBadRequest)
				return
			}
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		http.Error(w, "no files uploaded", http.StatusBadRequest)
		return
	}
	resp := struct {
		Files []ArtifactRef `json:"files"`
	}{Files: refs}
	writeJSON(w, http.StatusOK, resp)
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// saveUploadedFile copies one part into the uploads directory. Logs that are
// zstd frames get a .zst name whatever they were called, so decoding
// decompresses them. Headers must parse before they are accepted.
func (s *Server) saveUploadedFile(fh *multipart.FileHeader) (ArtifactRef, error) {
	if fh == nil {
		return ArtifactRef{}, fmt.Errorf("nil file header")
	}
	src, err := fh.Open()
	if err != nil {
		return ArtifactRef{}, err
	}
	defer src.Close()
	name := filepath.Base(fh.Filename)
	kind := uploadKind(name)

	br := bufio.NewReader(src)
	ext := filepath.Ext(name)
	if kind == "log" && ext != ".zst" {
		if magic, _ := br.Peek(len(zstdMagic)); bytes.Equal(magic, zstdMagic) {
			ext += ".zst"
		}
	}
	dest, err := os.CreateTemp(s.uploadsDir, "upload-*"+ext)
	if err != nil {
		return ArtifactRef{}, err
	}
	if _, err := io.Copy(dest, br); err != nil {
		dest.Close()
		os.Remove(dest.Name())
		return ArtifactRef{}, err
	}
	if err := dest.Close(); err != nil {
		os.Remove(dest.Name())
		return ArtifactRef{}, err
	}
	if kind == "header" {
		if _, err := schema.ParseFile(dest.Name()); err != nil {
			os.Remove(dest.Name())
			return ArtifactRef{}, err
		}
	}
	art, err := s.addArtifact(dest.Name(), name, guessContentType(name), kind)
	if err != nil {
		return ArtifactRef{}, err
	}
	return toRef(art), nil
}

func uploadKind(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".h", ".hpp":
		return "header"
	case ".yaml", ".yml", ".json":
		return "pipeline"
	case ".arrow":
		return "frame"
	default:
		return "log"
	}
}
