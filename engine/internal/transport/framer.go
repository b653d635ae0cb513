package transport

// Framer discovers complete wire frames inside an accumulated byte buffer.
// It returns every complete frame found, in order, plus whatever bytes at
// the end do not yet form a complete frame (the residual, carried forward
// into the next call). Implementations live per protocol family under
// engine/internal/protocol.
type Framer interface {
	Frame(buf []byte) (frames [][]byte, residual []byte)
}

// FramerFunc adapts a function to a Framer.
type FramerFunc func(buf []byte) ([][]byte, []byte)

func (f FramerFunc) Frame(buf []byte) ([][]byte, []byte) { return f(buf) }
