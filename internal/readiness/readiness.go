// Package readiness computes whether a batch's evaluation set is in the
// audit-safe state that permits report emission. The computation is a
// pure function over current counts; races are the caller's problem
// (handled by the batch lock), never this package's.
package readiness

import "fmt"

// Counts summarizes one batch's evaluations.
type Counts struct {
	Total       int
	Completed   int
	Deactivated int
	Started     int
	InProgress  int
}

// Active is the readiness denominator: deactivated evaluations are
// excluded from both sides of the ratio.
func (c Counts) Active() int {
	return c.Total - c.Deactivated
}

// Result of a readiness evaluation.
type Result struct {
	Active  int      `json:"active"`
	Ratio   float64  `json:"ratio"`
	Ready   bool     `json:"ready"`
	Reasons []string `json:"reasons,omitempty"`
}

// Evaluate derives readiness from counts. A batch with no active
// evaluations is never ready and its ratio is 0.
func Evaluate(c Counts) Result {
	active := c.Active()
	res := Result{Active: active}
	if active <= 0 {
		res.Reasons = append(res.Reasons, "no active evaluations in batch")
		return res
	}
	res.Ratio = float64(c.Completed) / float64(active)
	remaining := active - c.Completed
	if remaining > 0 {
		res.Reasons = append(res.Reasons, fmt.Sprintf("%d active evaluations not yet completed", remaining))
		return res
	}
	res.Ready = true
	return res
}

// ShouldCancel reports whether every released evaluation has been
// deactivated with none completed, in which case the batch cancels
// instead of completing.
func ShouldCancel(c Counts) bool {
	return c.Total > 0 && c.Deactivated == c.Total && c.Completed == 0
}
