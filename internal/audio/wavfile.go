package audio

import (
	"context"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/speech2text-lab/internal/logging"
)

// WAVStream replays a PCM WAV file as a chunk source. Multichannel files are
// downmixed to mono and other bit depths are rescaled to 16 bits. When the
// data runs out, TailChunks chunks of silence are emitted before io.EOF so a
// trailing utterance can still complete.
type WAVStream struct {
	path       string
	f          *os.File
	dec        *wav.Decoder
	sampleRate int
	channels   int
	bitDepth   int
	tail       int
	pending    []int16
	eof        bool
	started    bool
}

// WAVOption configures a WAVStream.
type WAVOption func(*WAVStream)

// WithSilenceTail sets how many silent chunks follow the end of the file.
func WithSilenceTail(chunks int) WAVOption {
	return func(w *WAVStream) { w.tail = chunks }
}

// OpenWAV opens path and validates its header. When wantRate is positive the
// file must be recorded at that rate.
func OpenWAV(path string, wantRate int, opts ...WAVOption) (*WAVStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("audio: %s is not a valid WAV file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("audio: seek to PCM data in %s: %w", path, err)
	}
	w := &WAVStream{
		path:       path,
		f:          f,
		dec:        dec,
		sampleRate: int(dec.SampleRate),
		channels:   int(dec.NumChans),
		bitDepth:   int(dec.BitDepth),
	}
	for _, o := range opts {
		o(w)
	}
	if wantRate > 0 && w.sampleRate != wantRate {
		f.Close()
		return nil, fmt.Errorf("audio: %s is %d Hz, session expects %d Hz", path, w.sampleRate, wantRate)
	}
	logging.Infow("audio: wav file opened", "path", path, "sample_rate", w.sampleRate, "channels", w.channels, "bit_depth", w.bitDepth)
	return w, nil
}

func (w *WAVStream) SampleRate() int { return w.sampleRate }

func (w *WAVStream) Start() error { w.started = true; return nil }
func (w *WAVStream) Stop() error  { w.started = false; return nil }

// ReadChunk returns the next n samples. The final partial chunk of the file
// is zero-filled.
func (w *WAVStream) ReadChunk(ctx context.Context, n int) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for !w.eof && len(w.pending) < n {
		if err := w.fill(n); err != nil {
			return nil, err
		}
	}
	if len(w.pending) == 0 {
		if w.tail > 0 {
			w.tail--
			return make([]int16, n), nil
		}
		return nil, io.EOF
	}
	out := make([]int16, n)
	k := copy(out, w.pending)
	w.pending = w.pending[k:]
	return out, nil
}

func (w *WAVStream) fill(n int) error {
	ch := w.channels
	if ch < 1 {
		ch = 1
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: ch, SampleRate: w.sampleRate},
		Data:           make([]int, n*ch),
		SourceBitDepth: w.bitDepth,
	}
	got, err := w.dec.PCMBuffer(buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("audio: decode %s: %w", w.path, err)
	}
	if got == 0 || err == io.EOF {
		w.eof = true
	}
	got -= got % ch
	w.pending = append(w.pending, toInt16(downmix(buf.Data[:got], ch), w.bitDepth)...)
	return nil
}

// Close releases the underlying file.
func (w *WAVStream) Close() error {
	return w.f.Close()
}
