package decode

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"example.com/telemlog/internal/common"
	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/frame"
)

// FileReport is the decode report of one input file.
type FileReport struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Report
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

type zstdFile struct {
	*zstd.Decoder
	f io.Closer
}

func (z zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

// OpenFile opens a log for decoding along with its on-disk size. Files ending
// in .zst are decompressed on the fly. Bytes read from disk are added to
// counter when it is not nil.
func OpenFile(path string, counter *atomic.Int64) (io.ReadCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	var r io.Reader = f
	if counter != nil {
		r = countingReader{r: f, n: counter}
	}
	if !strings.HasSuffix(path, ".zst") {
		if counter == nil {
			return f, st.Size(), nil
		}
		return struct {
			io.Reader
			io.Closer
		}{r, f}, st.Size(), nil
	}
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	return zstdFile{Decoder: zr, f: f}, st.Size(), nil
}

// ProbeFormat reads only the header of the log at path and returns the
// format it would be decoded with.
func ProbeFormat(path string, f *format.Format, opts Options) (*format.Format, error) {
	rc, _, err := OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	opts.Name = path
	d, err := NewDecoder(rc, f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d.Format(), nil
}

// DecodeFile decodes one log into a frame.
func DecodeFile(ctx context.Context, path string, f *format.Format, opts Options) (*frame.DataFrame, FileReport, error) {
	rc, size, err := OpenFile(path, nil)
	if err != nil {
		return nil, FileReport{}, err
	}
	defer rc.Close()
	if opts.Name == "" {
		opts.Name = path
	}
	if opts.TotalBytes == 0 && !strings.HasSuffix(path, ".zst") {
		opts.TotalBytes = size
	}
	d, err := NewDecoder(rc, f, opts)
	if err != nil {
		return nil, FileReport{Path: path, Size: size}, fmt.Errorf("%s: %w", path, err)
	}
	df, err := ReadFrame(ctx, d)
	rep := FileReport{Path: path, Size: size, Report: d.Report()}
	if err != nil {
		return nil, rep, fmt.Errorf("%s: %w", path, err)
	}
	return df, rep, nil
}

// DecodeFiles decodes paths concurrently, at most concurrency at a time,
// checks they share one format and merges them in path order. A single path
// is returned as decoded, without provenance columns. progress, if not nil,
// receives on-disk bytes read against the total size of all inputs and
// is never called concurrently.
func DecodeFiles(ctx context.Context, paths []string, f *format.Format, opts Options, concurrency int, progress func(consumed, total int64)) (*frame.DataFrame, []FileReport, error) {
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("no input files")
	}
	var total int64
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, nil, err
		}
		total += st.Size()
	}
	if opts.Metrics != nil {
		opts.Metrics.AddTotalBytes(total)
	}

	var (
		consumed atomic.Int64
		mu       sync.Mutex
		reported int64
	)
	report := func(force bool) {
		if progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		n := consumed.Load()
		if n > reported || force {
			reported = n
			progress(n, total)
		}
	}

	frames := make([]*frame.DataFrame, len(paths))
	reports := make([]FileReport, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency < 1 {
		concurrency = 1
	}
	g.SetLimit(concurrency)
	for i, p := range paths {
		g.Go(func() error {
			rc, size, err := OpenFile(p, &consumed)
			if err != nil {
				return err
			}
			defer rc.Close()
			o := opts
			o.Name = p
			o.TotalBytes = 0
			o.OnProgress = func(int64, int64) { report(false) }
			d, err := NewDecoder(rc, f, o)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			df, err := ReadFrame(gctx, d)
			reports[i] = FileReport{Path: p, Size: size, Report: d.Report()}
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			frames[i] = df
			common.Logf("decoded %s: %d records, %d resyncs", p, reports[i].Records, len(reports[i].Resyncs))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, reports, err
	}
	report(true)
	if err := VerifyFormats(reports); err != nil {
		return nil, reports, err
	}
	if len(frames) == 1 {
		return frames[0], reports, nil
	}
	df, err := frame.Merge(frames...)
	if err != nil {
		return nil, reports, err
	}
	return df, reports, nil
}

// VerifyFormats checks that every report was decoded with the format of the
// first one. All mismatching files are reported.
func VerifyFormats(reports []FileReport) error {
	if len(reports) < 2 {
		return nil
	}
	want := reports[0]
	var err error
	for _, r := range reports[1:] {
		if r.Fingerprint != want.Fingerprint {
			err = multierr.Append(err, fmt.Errorf("%w: %s has format %s, %s has %s",
				ErrMismatch, r.Path, r.Fingerprint, want.Path, want.Fingerprint))
		}
	}
	return err
}
