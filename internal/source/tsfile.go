package source

import (
	"fmt"
	"io"
	"os"

	"github.com/zsiec/framecast/internal/mpegts"
)

// TS wraps an MPEG-TS unit source together with the file it reads.
type TS struct {
	*mpegts.Source
	closer io.Closer
}

// NewTS returns a TS source reading from r. If r is an io.Closer it is
// closed by Close.
func NewTS(r io.Reader, cfg mpegts.SourceConfig) *TS {
	t := &TS{Source: mpegts.NewSource(r, cfg)}
	if c, ok := r.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// stdin is read for the path "-". Close leaves it open.
var stdin io.Reader = os.Stdin

// OpenTS opens a transport stream file. The path "-" reads stdin.
func OpenTS(path string, cfg mpegts.SourceConfig) (*TS, error) {
	if path == "-" {
		return NewTS(io.NopCloser(stdin), cfg), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transport stream: %w", err)
	}
	return NewTS(f, cfg), nil
}

// Close closes the underlying reader, if it is closable.
func (t *TS) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}
