package endpoint

// State is the collector's position in the Idle/Collecting cycle.
type State int

const (
	StateIdle State = iota
	StateCollecting
)

func (s State) String() string {
	if s == StateCollecting {
		return "collecting"
	}
	return "idle"
}

// Markers are sample offsets into a collected buffer: Start is the first
// sample of the chunk that opened collection, End the first sample of the
// chunk that closed it.
type Markers struct {
	Start int
	End   int
}

// Segment is a finished collection episode.
type Segment struct {
	Samples []int16
	Markers Markers
}

// Step reports what a single chunk did to the collector.
type Step struct {
	Silent  bool
	Started bool
	Done    bool
	Segment Segment
}

// Collector is the per-chunk segmentation state machine. It is not safe for
// concurrent use.
type Collector struct {
	policy    Policy
	state     State
	buf       []int16
	silentRun int
	peakCount int
	markers   Markers
}

// NewCollector returns an idle collector driven by p.
func NewCollector(p Policy) *Collector {
	return &Collector{policy: p}
}

func (c *Collector) State() State { return c.state }

// Feed consumes one chunk. When the chunk completes an utterance the returned
// step carries the segment and the collector is idle again.
func (c *Collector) Feed(chunk []int16) Step {
	silent := c.policy.IsSilent(chunk)
	step := Step{Silent: silent}

	if c.state == StateIdle {
		if silent {
			c.peakCount = 0
			return step
		}
		if c.peakCount < c.policy.StartAfter() {
			c.peakCount++
			return step
		}
		c.state = StateCollecting
		c.silentRun = 0
		c.buf = make([]int16, 0, len(chunk)*(MaxSilentRun+2))
		c.markers = Markers{Start: 0}
		c.buf = append(c.buf, chunk...)
		step.Started = true
		return step
	}

	pos := len(c.buf)
	c.buf = append(c.buf, chunk...)
	if !silent {
		c.silentRun = 0
		return step
	}
	c.silentRun++
	if c.silentRun <= MaxSilentRun {
		return step
	}
	c.markers.End = pos
	step.Done = true
	step.Segment = Segment{Samples: c.buf, Markers: c.markers}
	c.reset()
	return step
}

// Buffered is the number of samples collected so far.
func (c *Collector) Buffered() int { return len(c.buf) }

func (c *Collector) reset() {
	c.state = StateIdle
	c.buf = nil
	c.silentRun = 0
	c.peakCount = 0
	c.markers = Markers{}
}
