package decode

import (
	"errors"
	"io"
)

const defaultWindow = 1 << 20

// streamSource keeps a sliding window over a sequential reader so records
// can be peeked before they are consumed. The reader is consumed strictly
// sequentially.
type streamSource struct {
	r      io.Reader
	buf    []byte
	start  int
	end    int
	offset int64 // input offset of buf[start]
	eof    bool
	err    error
}

func newStreamSource(r io.Reader, window int) *streamSource {
	if window < 4096 {
		window = defaultWindow
	}
	return &streamSource{r: r, buf: make([]byte, window)}
}

func (s *streamSource) buffered() int { return s.end - s.start }

// ensure tries to buffer n bytes and returns how many are available, which
// is less than n only at the end of the input.
func (s *streamSource) ensure(n int) (int, error) {
	for s.buffered() < n && !s.eof {
		if n > len(s.buf) {
			grown := make([]byte, max(n, 2*len(s.buf)))
			s.end = copy(grown, s.buf[s.start:s.end])
			s.start = 0
			s.buf = grown
		} else if s.start+n > len(s.buf) {
			s.end = copy(s.buf, s.buf[s.start:s.end])
			s.start = 0
		}
		m, err := s.r.Read(s.buf[s.end:])
		s.end += m
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = err
				return s.buffered(), err
			}
			s.eof = true
		}
	}
	return min(s.buffered(), n), nil
}

// peek returns up to n buffered bytes without consuming them. The slice is
// valid until the next ensure.
func (s *streamSource) peek(n int) []byte {
	return s.buf[s.start : s.start+min(n, s.buffered())]
}

func (s *streamSource) discard(n int) {
	n = min(n, s.buffered())
	s.start += n
	s.offset += int64(n)
}

// readFull consumes exactly n bytes.
func (s *streamSource) readFull(n int) ([]byte, error) {
	got, err := s.ensure(n)
	if err != nil {
		return nil, err
	}
	if got < n {
		return nil, io.ErrUnexpectedEOF
	}
	out := append([]byte(nil), s.peek(n)...)
	s.discard(n)
	return out, nil
}
