package framer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Delimiter terminates every frame on the wire.
const Delimiter = '\n'

// DefaultMaxFrameSize bounds a single buffered frame (1 MiB).
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrTransportUnavailable is returned when a frame is written with no live connection.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrFrameTooLarge reports a frame longer than the decoder limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrEmbeddedDelimiter rejects outbound messages that would split into several frames.
	ErrEmbeddedDelimiter = errors.New("message contains frame delimiter")
)

// Decoder assembles newline-delimited frames out of arbitrarily chunked reads.
// A line longer than maxSize is dropped whole, however it was chunked.
// It is not safe for concurrent use; one Decoder belongs to one connection.
type Decoder struct {
	buf        []byte
	maxSize    int
	discarding bool
	dropped    int
}

// NewDecoder returns a Decoder. maxSize <= 0 selects DefaultMaxFrameSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Feed consumes chunk and returns every frame completed by it, in order.
// Frames are trimmed of surrounding whitespace; empty frames are dropped.
// ErrFrameTooLarge is returned alongside the good frames when at least one
// line went over the limit in this call; the rest of that line is skipped
// up to its delimiter and never emitted.
func (d *Decoder) Feed(chunk []byte) ([]string, error) {
	var frames []string
	var err error
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, Delimiter)
		if d.discarding {
			if i < 0 {
				break
			}
			d.discarding = false
			chunk = chunk[i+1:]
			continue
		}
		if i < 0 {
			if len(d.buf)+len(chunk) > d.maxSize {
				d.buf = nil
				d.discarding = true
				d.dropped++
				err = ErrFrameTooLarge
				break
			}
			d.buf = append(d.buf, chunk...)
			break
		}
		line := chunk[:i]
		chunk = chunk[i+1:]
		if len(d.buf)+len(line) > d.maxSize {
			d.buf = nil
			d.dropped++
			err = ErrFrameTooLarge
			continue
		}
		var f string
		if len(d.buf) > 0 {
			f = strings.TrimSpace(string(d.buf) + string(line))
			d.buf = nil
		} else {
			f = strings.TrimSpace(string(line))
		}
		if f != "" {
			frames = append(frames, f)
		}
	}
	return frames, err
}

// Flush returns the buffered partial frame, if any, and resets the decoder.
// It is used when the stream ends without a trailing delimiter.
func (d *Decoder) Flush() (string, bool) {
	f := strings.TrimSpace(string(d.buf))
	d.buf = nil
	d.discarding = false
	return f, f != ""
}

// Buffered reports how many bytes are waiting for a delimiter.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Dropped reports how many oversized frames have been discarded so far.
func (d *Decoder) Dropped() int { return d.dropped }

// Reset discards buffered bytes. Called when a connection is replaced.
func (d *Decoder) Reset() {
	d.buf = nil
	d.discarding = false
}

// ReadFrames reads r until EOF, an error, or ctx cancellation and invokes fn once per frame
// in arrival order. A clean EOF returns nil after flushing a trailing partial frame.
// Oversized frames do not end the stream: each one is skipped and reported to
// tooLarge, when set.
func ReadFrames(ctx context.Context, r io.Reader, maxSize int, fn func(string), tooLarge func()) error {
	dec := NewDecoder(maxSize)
	chunk := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			before := dec.Dropped()
			frames, _ := dec.Feed(chunk[:n])
			for _, f := range frames {
				fn(f)
			}
			if tooLarge != nil {
				for i := before; i < dec.Dropped(); i++ {
					tooLarge()
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if f, ok := dec.Flush(); ok {
					fn(f)
				}
				return nil
			}
			return err
		}
	}
}

// Encoder writes one frame per call. Writes are serialized so concurrent senders
// never interleave bytes of different frames.
type Encoder struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewEncoder wraps w. A nil writer makes every write fail with ErrTransportUnavailable.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// WriteFrame appends the delimiter to msg and writes it in full.
func (e *Encoder) WriteFrame(msg string) error {
	if strings.ContainsRune(msg, Delimiter) {
		return ErrEmbeddedDelimiter
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil || e.closed {
		return ErrTransportUnavailable
	}
	b := make([]byte, 0, len(msg)+1)
	b = append(b, msg...)
	b = append(b, Delimiter)
	for len(b) > 0 {
		n, err := e.w.Write(b)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		b = b[n:]
	}
	return nil
}

// Close marks the encoder unusable; later writes return ErrTransportUnavailable.
func (e *Encoder) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}
