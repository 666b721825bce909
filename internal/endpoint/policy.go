package endpoint

// Policy decides whether a chunk is silent and how a finished buffer is
// trimmed. A policy is selected once per session and owns whatever state it
// needs; the collector never branches on the mode.
type Policy interface {
	Mode() Mode

	// IsSilent classifies one chunk. Every chunk of the session must be
	// passed exactly once, in arrival order: the dynamic policy folds it into
	// its running average before comparing.
	IsSilent(chunk []int16) bool

	// StartAfter is the number of consecutive non-silent idle chunks that
	// must precede the chunk that starts collection.
	StartAfter() int

	// Trim removes the leading and trailing silence of a collected buffer.
	Trim(buf []int16, m Markers) ([]int16, error)
}

// NewPolicy returns the policy described by t.
func NewPolicy(t ThresholdConfig) Policy {
	if t.Mode == ModeDynamic {
		return &DynamicPolicy{percentage: t.DynamicPercentage, frames: t.DynamicFrameCount}
	}
	return &StaticPolicy{level: t.StaticLevel}
}

// Peak returns the largest absolute sample value of chunk.
func Peak(chunk []int16) int {
	peak := 0
	for _, s := range chunk {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// StaticPolicy treats a chunk as silent when its peak is below a fixed level.
type StaticPolicy struct {
	level int
}

func (p *StaticPolicy) Mode() Mode      { return ModeStatic }
func (p *StaticPolicy) StartAfter() int { return 0 }

func (p *StaticPolicy) IsSilent(chunk []int16) bool {
	return Peak(chunk) < p.level
}

// Trim keeps the inclusive span between the first and the last sample whose
// magnitude exceeds the static level. A buffer without such a sample trims to
// an empty slice.
func (p *StaticPolicy) Trim(buf []int16, _ Markers) ([]int16, error) {
	first, last := -1, -1
	for i, s := range buf {
		if abs(s) > p.level {
			first = i
			break
		}
	}
	if first < 0 {
		return []int16{}, nil
	}
	for i := len(buf) - 1; i >= first; i-- {
		if abs(buf[i]) > p.level {
			last = i
			break
		}
	}
	out := make([]int16, last-first+1)
	copy(out, buf[first:last+1])
	return out, nil
}

// DynamicPolicy compares each chunk peak with a running mean of all chunk
// peaks seen so far in the session, raised by a percentage.
type DynamicPolicy struct {
	percentage float64
	frames     int
	tracker    VolumeTracker
}

func (p *DynamicPolicy) Mode() Mode      { return ModeDynamic }
func (p *DynamicPolicy) StartAfter() int { return p.frames }

// Tracker exposes the running average for inspection.
func (p *DynamicPolicy) Tracker() *VolumeTracker { return &p.tracker }

func (p *DynamicPolicy) IsSilent(chunk []int16) bool {
	peak := Peak(chunk)
	avg := p.tracker.Add(peak)
	return float64(peak) < avg*(1+p.percentage/100)
}

// Trim keeps buf from the start marker through the first sample of the end
// marker chunk, both inclusive.
func (p *DynamicPolicy) Trim(buf []int16, m Markers) ([]int16, error) {
	if m.Start < 0 || m.Start >= len(buf) {
		return nil, &MarkerNotFoundError{Marker: "start", Position: m.Start, Length: len(buf)}
	}
	if m.End < m.Start || m.End >= len(buf) {
		return nil, &MarkerNotFoundError{Marker: "end", Position: m.End, Length: len(buf)}
	}
	out := make([]int16, m.End-m.Start+1)
	copy(out, buf[m.Start:m.End+1])
	return out, nil
}

// VolumeTracker is a plain incremental mean over chunk peaks.
type VolumeTracker struct {
	count int
	mean  float64
}

// Add folds peak into the mean and returns the new mean.
func (t *VolumeTracker) Add(peak int) float64 {
	t.mean = (t.mean*float64(t.count) + float64(peak)) / float64(t.count+1)
	t.count++
	return t.mean
}

func (t *VolumeTracker) Mean() float64 { return t.mean }
func (t *VolumeTracker) Count() int    { return t.count }

func abs(s int16) int {
	v := int(s)
	if v < 0 {
		return -v
	}
	return v
}
