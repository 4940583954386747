// Package backoff provides exponential backoff calculation for retry loops.
package backoff

import (
	"math"
	"time"
)

// Policy describes an exponential backoff curve. The zero value is not
// usable; start from Default and override fields as needed.
type Policy struct {
	Initial    time.Duration // delay after the first failure
	Max        time.Duration // upper bound on any delay
	Multiplier float64       // growth factor between attempts
}

// Default is the delivery retry curve: 100ms, 200ms, 400ms, ... capped
// at 5s.
var Default = Policy{
	Initial:    100 * time.Millisecond,
	Max:        5 * time.Second,
	Multiplier: 2.0,
}

// Delay returns the wait before retry number attempt. Attempt 1 returns
// Initial, attempt 2 returns Initial*Multiplier, and so on up to Max.
// Attempts below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}
