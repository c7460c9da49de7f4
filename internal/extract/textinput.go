package extract

// textinput.go prepares text sources for the delimited and JSON readers
// without buffering whole files:
//
//   - a leading UTF-8 BOM (0xEF 0xBB 0xBF) written by Windows tools is dropped
//   - invalid UTF-8 bytes are replaced with '?'
//   - reads past the configured size limit fail with core.ErrFileTooLarge

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/JonMunkholm/salesetl/internal/core"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// newTextInput wraps r with BOM skipping and UTF-8 sanitization.
// The order matters: the BOM must be gone before runes are decoded.
func newTextInput(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return &utf8Sanitizer{src: br}
}

// utf8Sanitizer decodes runes from src and re-encodes them, replacing each
// invalid byte with '?'. The replacement is one byte wide so the output
// never grows.
type utf8Sanitizer struct {
	src *bufio.Reader
	err error
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}

	n := 0
	for n+utf8.UTFMax <= len(p) {
		r, size, err := s.src.ReadRune()
		if err != nil {
			s.err = err
			break
		}
		if r == utf8.RuneError && size == 1 {
			p[n] = '?'
			n++
			continue
		}
		n += utf8.EncodeRune(p[n:], r)

		// Return what we have rather than block on a slow source.
		if s.src.Buffered() == 0 {
			break
		}
	}

	if n == 0 && s.err == nil && len(p) < utf8.UTFMax {
		return 0, io.ErrShortBuffer
	}
	if n > 0 {
		return n, nil
	}
	return 0, s.err
}

// sizeGuard fails once more than limit bytes have been read. Files can grow
// between discovery and read, so the stat check alone is not enough.
type sizeGuard struct {
	r     io.Reader
	limit int64
	read  int64
}

func newSizeGuard(r io.Reader, limit int64) *sizeGuard {
	return &sizeGuard{r: r, limit: limit}
}

func (g *sizeGuard) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	g.read += int64(n)
	if g.read > g.limit {
		return n, fmt.Errorf("%w: more than %d bytes", core.ErrFileTooLarge, g.limit)
	}
	return n, err
}
