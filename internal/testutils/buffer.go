package testutils

import (
	"bytes"
	"io"

	"github.com/kurier-mta/kurier/framework/buffer"
)

// FailingBuffer is a message body that breaks on demand: Open returns
// OpenError, the opened reader serves Blob and then IOError in place of
// EOF. Tests use it to drive delivery and storage error paths that a
// healthy buffer never reaches.
type FailingBuffer struct {
	Blob []byte

	OpenError error
	IOError   error
}

var _ buffer.Buffer = FailingBuffer{}

func (fb FailingBuffer) Open() (io.ReadCloser, error) {
	r := io.Reader(bytes.NewReader(fb.Blob))
	if fb.IOError != nil {
		r = &failingReader{r: r, err: fb.IOError}
	}
	return io.NopCloser(r), fb.OpenError
}

func (fb FailingBuffer) Len() int {
	return len(fb.Blob)
}

func (fb FailingBuffer) Remove() error {
	return nil
}

type failingReader struct {
	r   io.Reader
	err error
}

func (r *failingReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if err == io.EOF {
		err = r.err
	}
	return n, err
}
