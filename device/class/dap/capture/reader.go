package capture

import "io"

// Reader captures from an arbitrary stream. The baud rate is accepted
// but has no effect. If the stream implements io.Closer, stopping capture
// closes it; otherwise the stream must end on its own before capture can
// be stopped.
type Reader struct {
	*pump
}

// NewReader returns a capture source copying r into sink.
func NewReader(name string, r io.Reader, sink Sink) *Reader {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return &Reader{pump: newPump(name, sink, func(uint32) (io.ReadCloser, error) {
		return rc, nil
	})}
}
