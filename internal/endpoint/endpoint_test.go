package endpoint

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"
)

// scriptedStream replays a fixed list of chunks and then reports io.EOF.
type scriptedStream struct {
	chunks  [][]int16
	pos     int
	starts  int
	stops   int
	onRead  func(i int)
	started bool
}

func (s *scriptedStream) Start() error { s.starts++; s.started = true; return nil }
func (s *scriptedStream) Stop() error  { s.stops++; s.started = false; return nil }

func (s *scriptedStream) ReadChunk(ctx context.Context, n int) ([]int16, error) {
	if !s.started {
		return nil, errors.New("stream not started")
	}
	if s.onRead != nil {
		s.onRead(s.pos)
	}
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	if len(c) != n {
		return nil, errors.New("scripted chunk has wrong size")
	}
	return c, nil
}

func constChunk(n int, v int16) []int16 {
	c := make([]int16, n)
	for i := range c {
		if i%2 == 0 {
			c[i] = v
		} else {
			c[i] = -v
		}
	}
	return c
}

func repeat(n, count int, v int16) [][]int16 {
	out := make([][]int16, count)
	for i := range out {
		out[i] = constChunk(n, v)
	}
	return out
}

func staticConfig(rate, level int) Config {
	return Config{
		SampleRate: rate,
		Threshold: ThresholdConfig{
			Mode:           ModeStatic,
			StaticLevel:    level,
			PaddingSeconds: DefaultPaddingSeconds,
		},
	}
}

func newTestSegmenter(t *testing.T, cfg Config) *Segmenter {
	t.Helper()
	ids := 0
	s, err := NewSegmenter(cfg, WithIDFunc(func() string {
		ids++
		return "cid-" + string(rune('a'+ids-1))
	}))
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	return s
}

func TestStaticScenarioEmitsSingleUtterance(t *testing.T) {
	cfg := staticConfig(16000, 700)
	n := cfg.ChunkSize()
	if n != 1600 {
		t.Fatalf("chunk size: want 1600 got %d", n)
	}
	chunks := append(repeat(n, 3, 1000), repeat(n, 12, 100)...)
	stream := &scriptedStream{chunks: chunks}
	seg := newTestSegmenter(t, cfg)

	u, err := seg.ProduceUtterance(context.Background(), stream)
	if err != nil {
		t.Fatalf("ProduceUtterance: %v", err)
	}
	if u.Sequence != 0 {
		t.Fatalf("sequence: want 0 got %d", u.Sequence)
	}
	// 3 voiced chunks plus the 11 silent chunks that close the utterance.
	if u.RawSamples != 14*n {
		t.Fatalf("raw samples: want %d got %d", 14*n, u.RawSamples)
	}
	pad := PadLength(DefaultPaddingSeconds, 16000)
	if got := len(u.Samples) - 2*pad; got != 3*n {
		t.Fatalf("trimmed samples: want %d got %d", 3*n, got)
	}
	if stream.pos != 14 {
		t.Fatalf("chunks consumed: want 14 got %d", stream.pos)
	}
	if stream.starts != 1 || stream.stops != 1 {
		t.Fatalf("stream start/stop: got %d/%d", stream.starts, stream.stops)
	}

	// The stream has one quiet chunk left, then EOF: no second utterance.
	_, err = seg.ProduceUtterance(context.Background(), stream)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("second call: want io.EOF got %v", err)
	}
}

func TestSilentStreamNeverStartsCollecting(t *testing.T) {
	cfg := staticConfig(8000, 700)
	n := cfg.ChunkSize()
	r := rand.New(rand.NewSource(7))
	chunks := make([][]int16, 200)
	for i := range chunks {
		c := make([]int16, n)
		for j := range c {
			c[j] = int16(r.Intn(1399) - 699)
		}
		chunks[i] = c
	}
	col := NewCollector(NewPolicy(cfg.Threshold))
	for i, c := range chunks {
		step := col.Feed(c)
		if step.Started || step.Done || col.State() != StateIdle {
			t.Fatalf("chunk %d left idle state", i)
		}
	}

	seg := newTestSegmenter(t, cfg)
	_, err := seg.ProduceUtterance(context.Background(), &scriptedStream{chunks: chunks})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF got %v", err)
	}
	if seg.NextSequence() != 0 {
		t.Fatalf("no utterance should have been numbered")
	}
}

func TestBurstLengthMatchesRawBuffer(t *testing.T) {
	cfg := staticConfig(16000, 500)
	n := cfg.ChunkSize()
	for k := 1; k <= 6; k++ {
		chunks := append(repeat(n, k, 4000), repeat(n, 11, 10)...)
		col := NewCollector(NewPolicy(cfg.Threshold))
		var done []Segment
		for _, c := range chunks {
			if step := col.Feed(c); step.Done {
				done = append(done, step.Segment)
			}
		}
		if len(done) != 1 {
			t.Fatalf("k=%d: want 1 utterance got %d", k, len(done))
		}
		if got, want := len(done[0].Samples), (k+11)*n; got != want {
			t.Fatalf("k=%d: raw length want %d got %d", k, want, got)
		}
		if done[0].Markers.Start != 0 || done[0].Markers.End != (k+10)*n {
			t.Fatalf("k=%d: unexpected markers %+v", k, done[0].Markers)
		}
	}
}

func TestSilentRunResetsOnSpeech(t *testing.T) {
	cfg := staticConfig(16000, 700)
	n := cfg.ChunkSize()
	var chunks [][]int16
	chunks = append(chunks, repeat(n, 1, 2000)...)
	chunks = append(chunks, repeat(n, 10, 0)...)
	chunks = append(chunks, repeat(n, 1, 2000)...)
	chunks = append(chunks, repeat(n, 10, 0)...)

	col := NewCollector(NewPolicy(cfg.Threshold))
	for i, c := range chunks {
		if step := col.Feed(c); step.Done {
			t.Fatalf("utterance closed early at chunk %d", i)
		}
	}
	if step := col.Feed(constChunk(n, 0)); !step.Done {
		t.Fatalf("eleventh silent chunk should close the utterance")
	}
	if col.State() != StateIdle || col.Buffered() != 0 {
		t.Fatalf("collector not reset after finalize")
	}
}

func TestDynamicStartWaitsForPeakCount(t *testing.T) {
	th := ThresholdConfig{Mode: ModeDynamic, DynamicPercentage: 20, DynamicFrameCount: 2}
	col := NewCollector(NewPolicy(th))
	n := 100

	// Prime the average with quiet chunks.
	for i := 0; i < 20; i++ {
		col.Feed(constChunk(n, 100))
	}
	// Two loud chunks only advance the peak counter.
	for i := 0; i < 2; i++ {
		if step := col.Feed(constChunk(n, 3000)); step.Started || step.Silent {
			t.Fatalf("loud chunk %d: unexpected step %+v", i, step)
		}
	}
	// A silent chunk resets the counter.
	if step := col.Feed(constChunk(n, 0)); !step.Silent {
		t.Fatalf("zero chunk should be silent")
	}
	for i := 0; i < 2; i++ {
		if step := col.Feed(constChunk(n, 6000)); step.Started {
			t.Fatalf("started too early after reset at %d", i)
		}
	}
	step := col.Feed(constChunk(n, 9000))
	if !step.Started || col.State() != StateCollecting {
		t.Fatalf("third consecutive loud chunk should start collection")
	}
	if col.Buffered() != n {
		t.Fatalf("start chunk should be buffered, got %d samples", col.Buffered())
	}
}

func TestVolumeTrackerMatchesArithmeticMean(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		var tr VolumeTracker
		count := 1 + r.Intn(300)
		sum := 0.0
		for i := 0; i < count; i++ {
			c := make([]int16, 32)
			for j := range c {
				c[j] = int16(r.Intn(65536) - 32768)
			}
			p := Peak(c)
			sum += float64(p)
			tr.Add(p)
		}
		want := sum / float64(count)
		if diff := tr.Mean() - want; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("trial %d: mean want %f got %f", trial, want, tr.Mean())
		}
		if tr.Count() != count {
			t.Fatalf("trial %d: count want %d got %d", trial, count, tr.Count())
		}
	}
}

func TestDynamicPolicyUpdatesBeforeComparing(t *testing.T) {
	p := NewPolicy(ThresholdConfig{Mode: ModeDynamic, DynamicPercentage: 50}).(*DynamicPolicy)
	// First chunk: avg becomes its own peak, so it is silent (peak < 1.5*peak).
	if !p.IsSilent(constChunk(10, 1000)) {
		t.Fatalf("first chunk should be silent against its own average")
	}
	// avg = (1000+4000)/2 = 2500, threshold 3750 -> 4000 is not silent.
	if p.IsSilent(constChunk(10, 4000)) {
		t.Fatalf("4000 should exceed 1.5 * 2500")
	}
	if p.Tracker().Count() != 2 || p.Tracker().Mean() != 2500 {
		t.Fatalf("tracker: count=%d mean=%f", p.Tracker().Count(), p.Tracker().Mean())
	}
}

func TestNormalizeReachesCeiling(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for trial := 0; trial < 100; trial++ {
		buf := make([]int16, 1+r.Intn(500))
		for i := range buf {
			buf[i] = int16(r.Intn(65536) - 32768)
		}
		if Peak(buf) == 0 {
			buf[0] = 1
		}
		out, err := Normalize(buf)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if len(out) != len(buf) {
			t.Fatalf("trial %d: length changed", trial)
		}
		if p := Peak(out); p < NormalizeCeiling-1 || p > NormalizeCeiling+1 {
			t.Fatalf("trial %d: peak %d not within 1 of %d", trial, p, NormalizeCeiling)
		}
	}
}

func TestNormalizeDegenerate(t *testing.T) {
	for _, buf := range [][]int16{nil, {}, make([]int16, 1600)} {
		_, err := Normalize(buf)
		if !IsDegenerate(err) {
			t.Fatalf("len %d: want DegenerateBufferError got %v", len(buf), err)
		}
	}
}

func TestStaticTrim(t *testing.T) {
	p := NewPolicy(ThresholdConfig{Mode: ModeStatic, StaticLevel: 700})
	cases := []struct {
		name string
		in   []int16
		want []int16
	}{
		{"both ends", []int16{0, 10, -700, 701, 5, -900, 700, 3}, []int16{701, 5, -900}},
		{"negative edge", []int16{-800, 0, 0}, []int16{-800}},
		{"nothing loud", []int16{1, 2, 700, -700}, []int16{}},
		{"all loud", []int16{800, 900}, []int16{800, 900}},
	}
	for _, tc := range cases {
		got, err := p.Trim(tc.in, Markers{})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !equal(got, tc.want) {
			t.Fatalf("%s: want %v got %v", tc.name, tc.want, got)
		}
	}
}

func TestDynamicTrimUsesMarkerPositions(t *testing.T) {
	p := NewPolicy(ThresholdConfig{Mode: ModeDynamic})
	buf := []int16{9, 1, 2, 3, 4, 5, 6, 7}
	got, err := p.Trim(buf, Markers{Start: 1, End: 5})
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if !equal(got, []int16{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected trim %v", got)
	}

	var mnf *MarkerNotFoundError
	if _, err := p.Trim(buf, Markers{Start: 0, End: 8}); !errors.As(err, &mnf) || mnf.Marker != "end" {
		t.Fatalf("want end MarkerNotFoundError got %v", err)
	}
	if _, err := p.Trim(nil, Markers{}); !errors.As(err, &mnf) || mnf.Marker != "start" {
		t.Fatalf("want start MarkerNotFoundError got %v", err)
	}
}

func TestPadRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for _, rate := range []int{8000, 16000, 44100} {
		for _, secs := range []float64{0, 0.25, 0.5, 0.333} {
			buf := make([]int16, 1+r.Intn(1000))
			for i := range buf {
				buf[i] = int16(r.Intn(65536) - 32768)
			}
			norm, err := Normalize(append(buf, 1))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			padded := Pad(norm, secs, rate)
			n := PadLength(secs, rate)
			if len(padded) != len(norm)+2*n {
				t.Fatalf("rate=%d secs=%g: length want %d got %d", rate, secs, len(norm)+2*n, len(padded))
			}
			if !equal(padded[n:len(padded)-n], norm) {
				t.Fatalf("rate=%d secs=%g: stripping padding did not recover buffer", rate, secs)
			}
			for _, s := range append(padded[:n:n], padded[len(padded)-n:]...) {
				if s != 0 {
					t.Fatalf("padding must be zero")
				}
			}
		}
	}
}

func TestCancellationBeforeUtterance(t *testing.T) {
	cfg := staticConfig(16000, 700)
	n := cfg.ChunkSize()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &scriptedStream{chunks: append(repeat(n, 5, 3000), repeat(n, 20, 0)...)}
	stream.onRead = func(i int) {
		if i == 3 {
			cancel()
		}
	}
	seg := newTestSegmenter(t, cfg)
	_, err := seg.ProduceUtterance(ctx, stream)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("want ErrCancelled got %v", err)
	}
	// The read that observed cancellation still returns a chunk; the loop
	// stops at the next boundary.
	if stream.pos > 5 {
		t.Fatalf("read %d chunks after cancellation", stream.pos)
	}
	if stream.stops != 1 {
		t.Fatalf("stream should be stopped on cancellation")
	}
	if seg.NextSequence() != 0 {
		t.Fatalf("cancelled partial buffer must not be numbered")
	}
}

func TestSequenceNumbersIncrease(t *testing.T) {
	cfg := staticConfig(8000, 700)
	n := cfg.ChunkSize()
	var chunks [][]int16
	for i := 0; i < 3; i++ {
		chunks = append(chunks, repeat(n, 2, 5000)...)
		chunks = append(chunks, repeat(n, 11, 0)...)
	}
	stream := &scriptedStream{chunks: chunks}
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	seg, err := NewSegmenter(cfg, WithClock(func() time.Time { return start }))
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	seen := map[string]bool{}
	for want := 0; want < 3; want++ {
		u, err := seg.ProduceUtterance(context.Background(), stream)
		if err != nil {
			t.Fatalf("utterance %d: %v", want, err)
		}
		if u.Sequence != want {
			t.Fatalf("sequence want %d got %d", want, u.Sequence)
		}
		if u.CorrelationID == "" || seen[u.CorrelationID] {
			t.Fatalf("correlation id %q missing or reused", u.CorrelationID)
		}
		seen[u.CorrelationID] = true
		if !u.StartedAt.Equal(start) || u.Duration() <= 0 {
			t.Fatalf("unexpected timing %v %v", u.StartedAt, u.Duration())
		}
	}
}

func TestDegenerateDoesNotConsumeSequence(t *testing.T) {
	// Dynamic mode with an all-zero voiced span: the first chunk of a stream
	// of zeros is never "loud", so build the span directly.
	seg := newTestSegmenter(t, Config{SampleRate: 16000, Threshold: ThresholdConfig{Mode: ModeDynamic, DynamicPercentage: 50, DynamicFrameCount: 1, PaddingSeconds: 0.5}})
	_, err := seg.finish(Segment{Samples: make([]int16, 3200), Markers: Markers{Start: 0, End: 1600}}, time.Time{})
	if !IsDegenerate(err) {
		t.Fatalf("want degenerate error got %v", err)
	}
	if seg.NextSequence() != 0 {
		t.Fatalf("degenerate buffer consumed a sequence number")
	}
}

func TestStaticSpanAtThresholdIsDiscarded(t *testing.T) {
	// A chunk peaking exactly at the level is voiced (peak < level fails)
	// but no sample exceeds it, so the trimmed span is empty.
	cfg := staticConfig(16000, 700)
	n := cfg.ChunkSize()
	stream := &scriptedStream{chunks: append(repeat(n, 3, 700), repeat(n, 12, 0)...)}
	seg := newTestSegmenter(t, cfg)

	_, err := seg.ProduceUtterance(context.Background(), stream)
	var deg *DegenerateBufferError
	if !errors.As(err, &deg) || deg.Samples != 0 {
		t.Fatalf("want empty DegenerateBufferError got %v", err)
	}
	if seg.NextSequence() != 0 {
		t.Fatalf("discarded span consumed a sequence number")
	}
	if stream.pos != 14 {
		t.Fatalf("want finalize on the 11th silent chunk, read %d chunks", stream.pos)
	}
}

func TestDynamicPolicyUsesNegativePeak(t *testing.T) {
	p := NewPolicy(ThresholdConfig{Mode: ModeDynamic, DynamicPercentage: 50, DynamicFrameCount: 1}).(*DynamicPolicy)
	for i := 0; i < 4; i++ {
		p.IsSilent(constChunk(10, 1000))
	}
	// Signed max is 100, magnitude is 5000: avg = (4000+5000)/5 = 1800, threshold 2700.
	chunk := []int16{-5000, 100, -20, 0}
	if p.IsSilent(chunk) {
		t.Fatalf("negative-peaked chunk should be voiced")
	}
	if p.Tracker().Mean() != 1800 {
		t.Fatalf("tracker should fold in |min|, mean=%f", p.Tracker().Mean())
	}
	if Peak([]int16{-32768, 5}) != 32768 {
		t.Fatalf("peak of -32768 should be 32768")
	}
}

func TestDynamicScenarioThroughProduceUtterance(t *testing.T) {
	cfg := Config{SampleRate: 1000, Threshold: ThresholdConfig{
		Mode:              ModeDynamic,
		DynamicPercentage: 20,
		DynamicFrameCount: 2,
		PaddingSeconds:    0.5,
	}}
	n := cfg.ChunkSize()
	var chunks [][]int16
	chunks = append(chunks, repeat(n, 20, 100)...) // prime the average
	chunks = append(chunks, repeat(n, 5, 3000)...) // 2 gate chunks, start, 2 more
	chunks = append(chunks, repeat(n, 11, 0)...)   // closes on the 11th
	chunks = append(chunks, repeat(n, 3, 3000)...) // never read
	stream := &scriptedStream{chunks: chunks}
	seg := newTestSegmenter(t, cfg)

	u, err := seg.ProduceUtterance(context.Background(), stream)
	if err != nil {
		t.Fatalf("ProduceUtterance: %v", err)
	}
	if stream.pos != 36 {
		t.Fatalf("want 36 chunks read, got %d", stream.pos)
	}
	// Buffer holds the start chunk, 2 loud chunks and 11 silent ones.
	if u.RawSamples != 14*n {
		t.Fatalf("raw samples want %d got %d", 14*n, u.RawSamples)
	}
	// Trim keeps positions 0 through the end marker (3n + 10n) inclusive.
	trimmed := 13*n + 1
	pad := PadLength(0.5, 1000)
	if len(u.Samples) != trimmed+2*pad {
		t.Fatalf("padded length want %d got %d", trimmed+2*pad, len(u.Samples))
	}
	body := u.Samples[pad : pad+trimmed]
	if body[0] != NormalizeCeiling || body[1] != -NormalizeCeiling {
		t.Fatalf("first voiced samples not normalized: %d %d", body[0], body[1])
	}
	if Peak(body[3*n:]) != 0 {
		t.Fatalf("tail after the voiced chunks should be silent")
	}
	for i := 0; i < pad; i++ {
		if u.Samples[i] != 0 || u.Samples[len(u.Samples)-1-i] != 0 {
			t.Fatalf("padding not zero at %d", i)
		}
	}
	if u.Sequence != 0 || seg.NextSequence() != 1 || stream.stops != 1 {
		t.Fatalf("seq=%d next=%d stops=%d", u.Sequence, seg.NextSequence(), stream.stops)
	}
}

func TestMarkerNotFoundFallsBackToUntrimmed(t *testing.T) {
	seg := newTestSegmenter(t, Config{SampleRate: 1000, Threshold: ThresholdConfig{Mode: ModeDynamic, DynamicPercentage: 50, DynamicFrameCount: 1}})
	raw := []int16{100, 200, -400}
	u, err := seg.finish(Segment{Samples: raw, Markers: Markers{Start: 0, End: 99}}, time.Time{})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(u.Samples) != len(raw) {
		t.Fatalf("want untrimmed length %d got %d", len(raw), len(u.Samples))
	}
	if Peak(u.Samples) != NormalizeCeiling {
		t.Fatalf("fallback buffer should still be normalized")
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{SampleRate: 0, Threshold: ThresholdConfig{StaticLevel: 1}},
		{SampleRate: 16000, Threshold: ThresholdConfig{Mode: ModeStatic}},
		{SampleRate: 16000, Threshold: ThresholdConfig{Mode: ModeDynamic, DynamicPercentage: 20, DynamicFrameCount: -1}},
		{SampleRate: 16000, Threshold: ThresholdConfig{Mode: ModeDynamic, DynamicPercentage: 20}},
		{SampleRate: 16000, Threshold: ThresholdConfig{Mode: ModeDynamic, DynamicFrameCount: 5}},
		{SampleRate: 16000, Threshold: ThresholdConfig{Mode: ModeStatic, StaticLevel: 5, PaddingSeconds: -1}},
		{SampleRate: 16000, Threshold: ThresholdConfig{Mode: Mode(9)}},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if err := staticConfig(16000, 700).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	dyn := Config{SampleRate: 16000, Threshold: ThresholdConfig{Mode: ModeDynamic, DynamicPercentage: 20, DynamicFrameCount: 5}}
	if err := dyn.Validate(); err != nil {
		t.Fatalf("valid dynamic config rejected: %v", err)
	}
}

func equal(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
