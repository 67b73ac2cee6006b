// Package stream implements the streaming tee: splitting one inbound
// byte stream into N subscriber streams without buffering the whole
// object.
package stream

import (
	"io"

	"github.com/skystore/skyproxy/pkg/errors"
)

// chunkSize bounds how much of the source is read per broadcast step; it
// is also the unit of backpressure depth: a fast subscriber never runs
// more than one chunk ahead of the slowest.
const chunkSize = 256 * 1024

// chunk is one broadcast unit: either a data frame or a terminal error/EOF.
type chunk struct {
	data []byte
	err  error // io.EOF marks a clean end; any other error is a stream failure
}

// Subscriber is one of the N output streams produced by Split. It
// implements io.Reader and carries its own fixed-size hint, exactly equal
// for every subscriber.
type Subscriber struct {
	ch              <-chan chunk
	remainingLength int64
	buf             []byte
}

// RemainingLength returns the exact, caller-supplied (or source-derived)
// size hint. Downstream S3 SDKs set Content-Length from this and will not
// stream without it.
func (s *Subscriber) RemainingLength() int64 { return s.remainingLength }

// Read implements io.Reader. When the source fails, every subscriber
// observes the same error at the same position.
func (s *Subscriber) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		c, ok := <-s.ch
		if !ok {
			return 0, io.EOF
		}
		if c.err != nil {
			return 0, c.err
		}
		s.buf = c.data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Split drives one background goroutine reading src and broadcasting each
// chunk to numSplits subscriber channels. Each channel has a depth of one,
// so the publisher advances only once every subscriber has accepted the
// current chunk; that block is the sole backpressure mechanism.
//
// contentLength, if >= 0, overrides the source's own size hint: a
// caller-supplied content length wins over the source's remaining-length
// hint.
func Split(src io.Reader, numSplits int, contentLength int64, sourceHint int64) []*Subscriber {
	hint := sourceHint
	if contentLength >= 0 {
		hint = contentLength
	}

	channels := make([]chan chunk, numSplits)
	subs := make([]*Subscriber, numSplits)
	for i := 0; i < numSplits; i++ {
		channels[i] = make(chan chunk, 1)
		subs[i] = &Subscriber{ch: channels[i], remainingLength: hint}
	}

	go func() {
		defer func() {
			if closer, ok := src.(io.Closer); ok {
				closer.Close()
			}
			for _, ch := range channels {
				close(ch)
			}
		}()

		buf := make([]byte, chunkSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				broadcast(channels, chunk{data: data})
			}
			if err != nil {
				if err != io.EOF {
					broadcast(channels, chunk{err: errors.Wrap(errors.ErrCodeInternalError, err, "source stream read failed").
						WithComponent("stream.tee")})
				}
				return
			}
		}
	}()

	return subs
}

// broadcast sends one chunk to every channel, blocking on each in turn.
// Because every channel has depth one, a subscriber that hasn't drained
// its previous chunk makes this call block, which is what pushes back on
// the inbound stream.
func broadcast(channels []chan chunk, c chunk) {
	for _, ch := range channels {
		ch <- c
	}
}
