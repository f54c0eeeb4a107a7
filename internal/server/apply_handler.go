package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"example.com/telemlog/internal/pipeline"
)

type applyRequest struct {
	// Frame is a frame artifact from /decode or a path to an Arrow file.
	Frame string `json:"frame"`
	// Steps run in order. Empty means the saved pipeline, or the default
	// sort when Pipeline is empty too.
	Steps    []pipeline.StepSpec `json:"steps"`
	Pipeline string              `json:"pipeline"`
}

type applyResult struct {
	Rows      int           `json:"rows"`
	Columns   []string      `json:"columns"`
	Pipeline  pipeline.Spec `json:"pipeline"`
	Artifacts []ArtifactRef `json:"artifacts"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Frame) == "" {
		http.Error(w, "frame required", http.StatusBadRequest)
		return
	}
	framePath, err := s.resolvePath(req.Frame)
	if err != nil {
		http.Error(w, fmt.Sprintf("frame resolve: %v", err), http.StatusBadRequest)
		return
	}
	steps, err := s.buildSteps(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("pipeline: %v", err), http.StatusBadRequest)
		return
	}
	pristine, err := readFrameFile(framePath)
	if err != nil {
		http.Error(w, fmt.Sprintf("load frame: %v", err), http.StatusBadRequest)
		return
	}
	p := pipeline.New(pristine, steps...)
	runJob(s, w, r, "apply", "apply:"+req.Frame, func(ctx context.Context, progress func(float64, string)) (applyResult, error) {
		out, err := p.Apply(ctx, func(pr pipeline.Progress) { progress(pr.Fraction, pr.Text) })
		if err != nil {
			return applyResult{}, err
		}
		arts, err := s.frameArtifacts(out, "filtered")
		if err != nil {
			return applyResult{}, err
		}
		return applyResult{
			Rows:      out.RowCount(),
			Columns:   out.ColumnNames(),
			Pipeline:  pipeline.Describe(p.Steps()),
			Artifacts: arts,
		}, nil
	})
}

func (s *Server) buildSteps(req applyRequest) ([]pipeline.Step, error) {
	if len(req.Steps) > 0 {
		return s.steps.Build(pipeline.Spec{Steps: req.Steps})
	}
	if strings.TrimSpace(req.Pipeline) != "" {
		path, err := s.resolvePath(req.Pipeline)
		if err != nil {
			return nil, err
		}
		spec, err := pipeline.LoadSpec(path)
		if err != nil {
			return nil, err
		}
		return s.steps.Build(spec)
	}
	return pipeline.DefaultSteps(), nil
}
