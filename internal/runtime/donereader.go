package runtime

import (
	"io"
	"sync"
)

// Reader wrapper that reports when the wrapped stream has been fully
// consumed.
//
// Exec streams need this to decide when to close the container's stdin,
// since the shim does not forward EOF on its own. The done channel closes
// exactly once, on the first EOF from the source.
type doneReader struct {
	src  io.Reader
	done chan struct{}
	once sync.Once
}

func newDoneReader(src io.Reader) *doneReader {
	return &doneReader{src: src, done: make(chan struct{})}
}

// Reads from the source, closing the done channel when it reports EOF.
// Other errors pass through without touching the channel.
func (d *doneReader) Read(p []byte) (int, error) {
	n, err := d.src.Read(p)
	if err == io.EOF {
		d.once.Do(func() { close(d.done) })
	}
	return n, err
}
