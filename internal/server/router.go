package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires HTTP routes to the server's handlers.
func NewRouter(s *Server) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/schema", s.handleSchema)
	mux.HandleFunc("/decode", s.handleDecode)
	mux.HandleFunc("/apply", s.handleApply)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/headers", s.handleHeaders)
	mux.HandleFunc("/formats", s.handleFormats)
	mux.HandleFunc("/formats/", s.handleFormats)
	mux.HandleFunc("/artifacts", s.handleArtifacts)
	mux.HandleFunc("/artifacts/", s.handleArtifactDownload)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux, nil
}
