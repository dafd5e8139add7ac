package scheduler

import "time"

// Clock abstracts wall time so tick logic is testable against a frozen
// or stepped clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real UTC clock.
func SystemClock() Clock { return systemClock{} }
