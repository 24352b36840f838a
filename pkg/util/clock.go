package util

import "time"

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FixedClock always reads the same instant
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }
