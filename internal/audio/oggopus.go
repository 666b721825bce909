//go:build opus
// +build opus

package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hraban/opus"
	"github.com/speech2text-lab/internal/logging"
)

// OggOpusRate is the fixed decode rate of Ogg Opus files.
const OggOpusRate = 48000

// OggOpusStream replays a mono Ogg Opus file as a chunk source.
type OggOpusStream struct {
	f       *os.File
	s       *opus.Stream
	frame   []int16
	pending []int16
	tail    int
	eof     bool
}

// OpenOggOpus opens path for decoding. Ogg Opus always decodes at 48 kHz, so
// the session must run at that rate.
func OpenOggOpus(path string, wantRate, tailChunks int) (*OggOpusStream, error) {
	if wantRate > 0 && wantRate != OggOpusRate {
		return nil, fmt.Errorf("audio: ogg opus decodes at %d Hz, session expects %d Hz", OggOpusRate, wantRate)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := opus.NewStream(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("audio: open opus stream %s: %w", path, err)
	}
	logging.Infow("audio: ogg opus file opened", "path", path)
	// 120 ms is the longest Opus frame.
	return &OggOpusStream{f: f, s: s, frame: make([]int16, OggOpusRate*120/1000), tail: tailChunks}, nil
}

func (o *OggOpusStream) SampleRate() int { return OggOpusRate }
func (o *OggOpusStream) Start() error    { return nil }
func (o *OggOpusStream) Stop() error     { return nil }

func (o *OggOpusStream) ReadChunk(ctx context.Context, n int) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for !o.eof && len(o.pending) < n {
		got, err := o.s.Read(o.frame)
		if errors.Is(err, io.EOF) {
			o.eof = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("audio: decode opus: %w", err)
		}
		o.pending = append(o.pending, o.frame[:got]...)
	}
	if len(o.pending) == 0 {
		if o.tail > 0 {
			o.tail--
			return make([]int16, n), nil
		}
		return nil, io.EOF
	}
	out := make([]int16, n)
	k := copy(out, o.pending)
	o.pending = o.pending[k:]
	return out, nil
}

func (o *OggOpusStream) Close() error {
	o.s.Close()
	return o.f.Close()
}
