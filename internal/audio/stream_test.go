package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeWAV(t *testing.T, rate, channels, bitDepth int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, rate, bitDepth, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func TestWAVStreamChunksAndTail(t *testing.T) {
	data := make([]int, 250)
	for i := range data {
		data[i] = i - 125
	}
	path := writeWAV(t, 1000, 1, 16, data)

	w, err := OpenWAV(path, 1000, WithSilenceTail(2))
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}
	defer w.Close()
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	var got []int16
	for i := 0; i < 3; i++ {
		c, err := w.ReadChunk(ctx, 100)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if len(c) != 100 {
			t.Fatalf("chunk %d: len %d", i, len(c))
		}
		got = append(got, c...)
	}
	for i, v := range data {
		if int(got[i]) != v {
			t.Fatalf("sample %d: want %d got %d", i, v, got[i])
		}
	}
	for i := 250; i < 300; i++ {
		if got[i] != 0 {
			t.Fatalf("partial chunk not zero-filled at %d", i)
		}
	}
	for i := 0; i < 2; i++ {
		c, err := w.ReadChunk(ctx, 100)
		if err != nil || len(c) != 100 {
			t.Fatalf("tail chunk %d: %v", i, err)
		}
	}
	if _, err := w.ReadChunk(ctx, 100); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF got %v", err)
	}
}

func TestWAVStreamDownmixesStereo(t *testing.T) {
	data := []int{100, 300, -200, -400, 1000, 0, 0, 0}
	path := writeWAV(t, 8000, 2, 16, data)
	w, err := OpenWAV(path, 0)
	if err != nil {
		t.Fatalf("OpenWAV: %v", err)
	}
	defer w.Close()
	if w.SampleRate() != 8000 {
		t.Fatalf("sample rate: %d", w.SampleRate())
	}
	c, err := w.ReadChunk(context.Background(), 4)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	want := []int16{200, -300, 500, 0}
	for i := range want {
		if c[i] != want[i] {
			t.Fatalf("frame %d: want %d got %d", i, want[i], c[i])
		}
	}
}

func TestOpenWAVRejectsRateMismatch(t *testing.T) {
	path := writeWAV(t, 8000, 1, 16, []int{1, 2, 3})
	if _, err := OpenWAV(path, 16000); err == nil {
		t.Fatal("expected sample rate mismatch error")
	}
	bad := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(bad, []byte("not a wav file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenWAV(bad, 0); err == nil {
		t.Fatal("expected invalid file error")
	}
}

func TestSampleQueuePopWaitsForData(t *testing.T) {
	q := newSampleQueue(0)
	go func() {
		q.push([]int16{1, 2})
		time.Sleep(10 * time.Millisecond)
		q.push([]int16{3, 4, 5})
	}()
	out, err := q.pop(context.Background(), 4, 0)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(out) != 4 || out[0] != 1 || out[3] != 4 {
		t.Fatalf("unexpected chunk %v", out)
	}
	if q.len() != 1 {
		t.Fatalf("remainder: want 1 got %d", q.len())
	}
}

func TestSampleQueueIdleFillsSilence(t *testing.T) {
	q := newSampleQueue(0)
	q.push([]int16{7})
	out, err := q.pop(context.Background(), 3, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if out[0] != 7 || out[1] != 0 || out[2] != 0 {
		t.Fatalf("want zero-filled chunk, got %v", out)
	}
}

func TestSampleQueueCancelAndClose(t *testing.T) {
	q := newSampleQueue(4)
	if dropped := q.push([]int16{1, 2, 3, 4, 5, 6}); dropped != 2 {
		t.Fatalf("dropped: want 2 got %d", dropped)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.pop(ctx, 10, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled got %v", err)
	}
	q.close()
	if _, err := q.pop(context.Background(), 10, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed got %v", err)
	}
}

func TestToInt16Scaling(t *testing.T) {
	got := toInt16([]int{0, 255, 128}, 8)
	if got[0] != -32768 || got[2] != 0 {
		t.Fatalf("8-bit conversion: %v", got)
	}
	got = toInt16([]int{1 << 23, -(1 << 23)}, 24)
	if got[0] != 32767 || got[1] != -32768 {
		t.Fatalf("24-bit conversion: %v", got)
	}
}
