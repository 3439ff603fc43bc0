package domain

import "strconv"

// Pulse is the logical time coordinate. One pulse is a fixed real-world
// duration of (3+√5) seconds, counted from the genesis epoch.
type Pulse uint64

// String implements fmt.Stringer.
func (p Pulse) String() string { return strconv.FormatUint(uint64(p), 10) }

// MaxPulse returns the larger of a and b.
func MaxPulse(a, b Pulse) Pulse {
	if a > b {
		return a
	}
	return b
}

// Moment locates a pulse on the step/beat grid.
type Moment struct {
	Pulse     Pulse  `json:"pulse"`
	Beat      uint32 `json:"beat"`
	StepIndex uint32 `json:"stepIndex"`
}
