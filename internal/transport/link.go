package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// FrameKind distinguishes broadcast frames from targeted ones.
type FrameKind string

const (
	FrameBroadcast FrameKind = "broadcast"
	FrameDirect    FrameKind = "direct"
)

// Envelope is the wire shape of one inter-process message. Payload holds the
// codec's tagged form of the message payload.
type Envelope struct {
	Kind    FrameKind       `json:"kind"`
	Type    string          `json:"type"`
	UID     string          `json:"uid,omitempty"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

func (e *Envelope) validate() error {
	if e.Kind != FrameBroadcast && e.Kind != FrameDirect {
		return fmt.Errorf("invalid frame kind %q", e.Kind)
	}
	if e.Type == "" {
		return errors.New("frame missing type")
	}
	return nil
}

// ErrBadFrame marks a well-formed JSON frame with invalid contents. The
// stream is still in sync after it, so readers may skip the frame.
var ErrBadFrame = errors.New("bad frame")

// Link is one end of a bidirectional channel to another process.
type Link interface {
	Send(env *Envelope) error
	Receive() (*Envelope, error)
	Close() error
}

// StreamLink frames envelopes as newline-delimited JSON over a byte stream,
// typically a child process's stdin/stdout.
type StreamLink struct {
	dec    *json.Decoder
	enc    *json.Encoder
	wmu    sync.Mutex
	closer io.Closer

	closeOnce sync.Once
	closeErr  error
}

var _ Link = (*StreamLink)(nil)

// NewStreamLink wraps r and w. c, if non-nil, is closed by Close.
func NewStreamLink(r io.Reader, w io.Writer, c io.Closer) *StreamLink {
	return &StreamLink{
		dec:    json.NewDecoder(r),
		enc:    json.NewEncoder(w),
		closer: c,
	}
}

// Send writes env as a single line. Concurrent senders are serialized so
// frames never interleave.
func (l *StreamLink) Send(env *Envelope) error {
	if err := env.validate(); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.enc.Encode(env); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

// Receive blocks for the next frame. io.EOF means the peer went away.
func (l *StreamLink) Receive() (*Envelope, error) {
	var env Envelope
	if err := l.dec.Decode(&env); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return nil, io.EOF
		}
		return nil, err
	}
	if err := env.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return &env, nil
}

func (l *StreamLink) Close() error {
	l.closeOnce.Do(func() {
		if l.closer != nil {
			l.closeErr = l.closer.Close()
		}
	})
	return l.closeErr
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pipe returns two connected in-memory links. Closing either end makes the
// other end's Receive return io.EOF.
func Pipe() (Link, Link) {
	aR, bW := io.Pipe()
	bR, aW := io.Pipe()
	a := NewStreamLink(aR, aW, multiCloser{aR, aW})
	b := NewStreamLink(bR, bW, multiCloser{bR, bW})
	return a, b
}
