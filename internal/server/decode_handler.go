package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"example.com/telemlog/internal/common"
	"example.com/telemlog/internal/decode"
	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/frame"
	"example.com/telemlog/internal/report"
)

type decodeRequest struct {
	formatRequest
	Inputs            []string        `json:"inputs"`
	Framing           *decode.Framing `json:"framing"`
	AllowPartialTail  *bool           `json:"allowPartialTail"`
	IgnoreFingerprint bool            `json:"ignoreFingerprint"`
}

// decodeResult is the payload of a decode job's done event.
type decodeResult struct {
	Fingerprint string              `json:"fingerprint"`
	Rows        int                 `json:"rows"`
	Columns     []string            `json:"columns"`
	Report      report.DecodeReport `json:"report"`
	Artifacts   []ArtifactRef       `json:"artifacts"`
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req decodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		http.Error(w, "inputs required", http.StatusBadRequest)
		return
	}
	paths := make([]string, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		resolved, err := s.resolvePath(in)
		if err != nil {
			http.Error(w, fmt.Sprintf("resolve %s: %v", in, err), http.StatusBadRequest)
			return
		}
		paths = append(paths, resolved)
	}
	f, err := s.resolveFormat(req.formatRequest)
	if err != nil {
		http.Error(w, fmt.Sprintf("format: %v", err), http.StatusBadRequest)
		return
	}
	opts := s.decodeOptions(req)
	runJob(s, w, r, "decode", "decode:"+strings.Join(req.Inputs, ","), func(ctx context.Context, progress func(float64, string)) (decodeResult, error) {
		return s.decode(ctx, paths, f, opts, progress)
	})
}

func (s *Server) decodeOptions(req decodeRequest) decode.Options {
	opts := decode.Options{
		Framing:           s.defaults.Framing,
		AllowPartialTail:  s.defaults.AllowPartialTail,
		IgnoreFingerprint: req.IgnoreFingerprint,
		MaxAlign:          s.abi(req.formatRequest).MaxAlign,
	}
	if req.Framing != nil {
		opts.Framing = *req.Framing
	}
	if req.AllowPartialTail != nil {
		opts.AllowPartialTail = *req.AllowPartialTail
	}
	if s.registry != nil {
		opts.Lookup = s.registry.Lookup
	}
	return opts
}

func (s *Server) decode(ctx context.Context, paths []string, f *format.Format, opts decode.Options, progress func(float64, string)) (decodeResult, error) {
	start := time.Now()
	df, files, err := decode.DecodeFiles(ctx, paths, f, opts, s.concurrency, func(consumed, total int64) {
		if total <= 0 {
			return
		}
		progress(float64(consumed)/float64(total), fmt.Sprintf("Decoding %s of %s", humanize.Bytes(uint64(consumed)), humanize.Bytes(uint64(total))))
	})
	s.metrics.observeDecode(files)
	if err != nil {
		return decodeResult{}, err
	}
	if f == nil {
		if f, err = decode.ProbeFormat(paths[0], nil, opts); err != nil {
			return decodeResult{}, err
		}
	}
	if s.registry != nil && files[0].SelfDescribing {
		if _, err := s.registry.Get(f.Fingerprint()); err != nil {
			if _, err := s.registry.Put(f, "embedded in "+paths[0]); err != nil {
				common.Logf("register format %s: %v", f.Fingerprint(), err)
			}
		}
	}

	progress(1, "Writing artifacts")
	arts, err := s.frameArtifacts(df, "decoded")
	if err != nil {
		return decodeResult{}, err
	}
	rep := report.Build(f, files, df.RowCount(), len(df.ColumnNames()), time.Since(start))
	jsonPath, err := s.tempPath("decode-report-*.json")
	if err != nil {
		return decodeResult{}, err
	}
	if err := report.SaveDecodeJSON(rep, jsonPath); err != nil {
		return decodeResult{}, err
	}
	pdfPath, err := s.tempPath("decode-report-*.pdf")
	if err != nil {
		return decodeResult{}, err
	}
	if err := report.SaveDecodePDF(rep, pdfPath); err != nil {
		return decodeResult{}, err
	}
	jsonArt, err := s.addArtifact(jsonPath, "decode_report.json", "application/json", "report")
	if err != nil {
		return decodeResult{}, err
	}
	pdfArt, err := s.addArtifact(pdfPath, "decode_report.pdf", "application/pdf", "report")
	if err != nil {
		return decodeResult{}, err
	}
	arts = append(arts, toRef(jsonArt), toRef(pdfArt))
	return decodeResult{
		Fingerprint: f.Fingerprint().String(),
		Rows:        df.RowCount(),
		Columns:     df.ColumnNames(),
		Report:      rep,
		Artifacts:   arts,
	}, nil
}

// frameArtifacts stores df as Arrow, which /apply reads back, and as CSV.
func (s *Server) frameArtifacts(df *frame.DataFrame, name string) ([]ArtifactRef, error) {
	var refs []ArtifactRef
	for _, out := range []struct {
		ext   string
		kind  string
		write func(io.Writer, *frame.DataFrame) error
	}{
		{".arrow", "frame", frame.WriteArrow},
		{".csv", "table", frame.WriteCSV},
	} {
		path, err := s.tempPath(name + "-*" + out.ext)
		if err != nil {
			return nil, err
		}
		if err := writeFrameFile(path, df, out.write); err != nil {
			return nil, err
		}
		art, err := s.addArtifact(path, name+out.ext, "", out.kind)
		if err != nil {
			return nil, err
		}
		refs = append(refs, toRef(art))
	}
	return refs, nil
}

func writeFrameFile(path string, df *frame.DataFrame, write func(io.Writer, *frame.DataFrame) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f, df); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func readFrameFile(path string) (*frame.DataFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return frame.ReadArrow(f)
}
