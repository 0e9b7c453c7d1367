package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// StartPolicy picks where a storage reader begins relative to the
// requested time.
type StartPolicy int

// Start policies.
const (
	StartExact StartPolicy = iota
	StartKeyFrame
	StartKeyFrameOrEnd
)

func (p StartPolicy) String() string {
	switch p {
	case StartExact:
		return "exact"
	case StartKeyFrame:
		return "keyFrame"
	case StartKeyFrameOrEnd:
		return "keyFrameOrEnd"
	}
	return "unknown"
}

// Errors.
var (
	ErrSeekUnsupported = errors.New("reader does not support seeking")
	ErrReaderClosed    = errors.New("reader is closed")
)

// Reader delivers samples from a single access point.
type Reader interface {
	// TryRead returns the next buffered sample without blocking.
	TryRead() (*Sample, bool)

	// ReadTimeout waits up to timeout for a sample.
	ReadTimeout(timeout time.Duration) (*Sample, error)

	// Seek repositions the reader. Not every transport supports it.
	Seek(at time.Time, policy StartPolicy, speed int) error

	// Closed reports whether the source has stopped producing, either
	// end of data or a dead connection. Buffered samples may remain.
	Closed() bool

	// Clear drops buffered samples.
	Clear()

	Close() error
}

// Command sent to a storage or live access point. One JSON object per
// line, samples come back framed.
type readerCommand struct {
	Type   string `json:"type"`
	Path   string `json:"path,omitempty"`
	Time   int64  `json:"timeNS,omitempty"`
	Policy string `json:"policy,omitempty"`
	Speed  int    `json:"speed,omitempty"`

	KeyFramesOnly bool `json:"keyFramesOnly,omitempty"`
}

const readerQueueSize = 64

// streamReader reads framed samples from a TCP access point into a
// bounded queue. Used for both storage and live sources, the only
// difference is the opening command and whether Seek works.
type streamReader struct {
	conn     net.Conn
	queue    *Queue
	seekable bool

	mu     sync.Mutex
	closed bool
}

// DialArchive opens a storage reader positioned at the requested time.
func DialArchive(
	ctx context.Context,
	accessPoint string,
	path string,
	at time.Time,
	policy StartPolicy,
	speed int,
	keyFramesOnly bool,
) (Reader, error) {
	r, err := dialStream(ctx, accessPoint, readerCommand{
		Type:   "play",
		Path:   path,
		Time:   at.UnixNano(),
		Policy: policy.String(),
		Speed:  speed,

		KeyFramesOnly: keyFramesOnly,
	})
	if err != nil {
		return nil, err
	}
	r.seekable = true
	return r, nil
}

// DialLive opens a push-style reader on a live access point.
func DialLive(ctx context.Context, accessPoint string, path string) (Reader, error) {
	return dialStream(ctx, accessPoint, readerCommand{
		Type: "live",
		Path: path,
	})
}

func dialStream(ctx context.Context, accessPoint string, cmd readerCommand) (*streamReader, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", accessPoint)
	if err != nil {
		return nil, fmt.Errorf("dial access point: %w", err)
	}

	r := &streamReader{
		conn:  conn,
		queue: NewQueue(readerQueueSize),
	}
	if err := r.send(cmd); err != nil {
		conn.Close()
		return nil, err
	}

	go r.readLoop()
	return r, nil
}

func (r *streamReader) send(cmd readerCommand) error {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if _, err := r.conn.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	return nil
}

// readLoop decodes samples until the connection dies. The queue
// absorbs bursts and drops the oldest sample when the consumer lags.
func (r *streamReader) readLoop() {
	for {
		sample, err := ReadSample(r.conn)
		if err != nil {
			r.queue.Close()
			return
		}
		if r.queue.Push(sample) != nil {
			return
		}
	}
}

func (r *streamReader) TryRead() (*Sample, bool) {
	return r.queue.TryRead()
}

func (r *streamReader) ReadTimeout(timeout time.Duration) (*Sample, error) {
	return r.queue.ReadTimeout(timeout)
}

// Seek repositions an already-open storage reader. Buffered samples
// are dropped so nothing from before the seek is delivered after it.
func (r *streamReader) Seek(at time.Time, policy StartPolicy, speed int) error {
	if !r.seekable {
		return ErrSeekUnsupported
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrReaderClosed
	}

	if err := r.send(readerCommand{
		Type:   "seek",
		Time:   at.UnixNano(),
		Policy: policy.String(),
		Speed:  speed,
	}); err != nil {
		return err
	}

	r.queue.Clear()
	return nil
}

func (r *streamReader) Closed() bool {
	return r.queue.Closed()
}

func (r *streamReader) Clear() {
	r.queue.Clear()
}

func (r *streamReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	r.queue.Close()
	return r.conn.Close()
}
