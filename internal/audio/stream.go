// Package audio provides the chunk sources the endpointing engine reads from:
// a PortAudio capture device, WAV files, and (with the opus build tag) Ogg
// Opus files and a Discord voice connection.
//
// Every source implements endpoint.AudioStream and hands out mono 16-bit
// samples at the session sample rate.
package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by ReadChunk after the source was closed.
var ErrClosed = errors.New("audio: stream closed")

// sampleQueue is a FIFO between a producer goroutine and ReadChunk.
type sampleQueue struct {
	mu     sync.Mutex
	buf    []int16
	max    int
	closed bool
	notify chan struct{}
}

func newSampleQueue(max int) *sampleQueue {
	return &sampleQueue{max: max, notify: make(chan struct{}, 1)}
}

// push appends samples, dropping the oldest ones once max is exceeded.
// It returns the number of samples dropped.
func (q *sampleQueue) push(samples []int16) int {
	q.mu.Lock()
	dropped := 0
	if !q.closed {
		q.buf = append(q.buf, samples...)
		if q.max > 0 && len(q.buf) > q.max {
			dropped = len(q.buf) - q.max
			q.buf = append(q.buf[:0], q.buf[dropped:]...)
		}
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (q *sampleQueue) reset() {
	q.mu.Lock()
	q.buf = q.buf[:0]
	q.mu.Unlock()
}

func (q *sampleQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *sampleQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// pop blocks until n samples are queued and returns them. When idle is
// positive and nothing arrives for that long, whatever is queued is returned
// zero-filled to n: sources that only deliver audio while someone talks
// still produce the silent chunks the collector needs to finish.
func (q *sampleQueue) pop(ctx context.Context, n int, idle time.Duration) ([]int16, error) {
	var timer *time.Timer
	var timeout <-chan time.Time
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		q.mu.Lock()
		if len(q.buf) >= n {
			out := make([]int16, n)
			copy(out, q.buf)
			q.buf = append(q.buf[:0], q.buf[n:]...)
			q.mu.Unlock()
			return out, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(idle)
			}
		case <-timeout:
			q.mu.Lock()
			out := make([]int16, n)
			k := copy(out, q.buf)
			q.buf = append(q.buf[:0], q.buf[k:]...)
			q.mu.Unlock()
			return out, nil
		}
	}
}

// downmix averages interleaved frames of ch channels into mono.
func downmix(interleaved []int, ch int) []int {
	if ch <= 1 {
		return interleaved
	}
	out := make([]int, len(interleaved)/ch)
	for i := range out {
		sum := 0
		for c := 0; c < ch; c++ {
			sum += interleaved[i*ch+c]
		}
		out[i] = sum / ch
	}
	return out
}

// toInt16 rescales samples of the given bit depth to 16 bits.
func toInt16(samples []int, bitDepth int) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case bitDepth == 8:
			// 8-bit WAV is unsigned.
			s = (s - 128) << 8
		case bitDepth > 16:
			s >>= uint(bitDepth - 16)
		}
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		out[i] = int16(s)
	}
	return out
}
