package endpoint

import "math"

// Normalize rescales buf so that its peak magnitude equals NormalizeCeiling.
func Normalize(buf []int16) ([]int16, error) {
	peak := Peak(buf)
	if peak == 0 {
		return nil, &DegenerateBufferError{Samples: len(buf)}
	}
	scale := float64(NormalizeCeiling) / float64(peak)
	out := make([]int16, len(buf))
	for i, s := range buf {
		out[i] = clamp16(math.Round(float64(s) * scale))
	}
	return out, nil
}

// PadLength is the number of zero samples Pad adds on each side.
func PadLength(seconds float64, sampleRate int) int {
	if seconds <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(math.Floor(seconds * float64(sampleRate)))
}

// Pad returns buf surrounded by floor(seconds*sampleRate) zeros on each side.
func Pad(buf []int16, seconds float64, sampleRate int) []int16 {
	n := PadLength(seconds, sampleRate)
	out := make([]int16, n+len(buf)+n)
	copy(out[n:], buf)
	return out
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
