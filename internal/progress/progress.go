// Package progress derives display-ready progress records from raw engine
// progress signals.
package progress

import (
	"math"
	"time"

	"github.com/seantiz/labrun/internal/model"
)

// Defaults applied when a signal leaves a field unset.
const (
	DefaultPrecision = 3
	DefaultUnit      = "units"
	DefaultName      = "UNKNOWN"
)

// Signal is one raw progress report for a single progress bar. Bounds are
// optional; a nil pointer means the engine does not know the value.
type Signal struct {
	ID      string
	Name    string
	Current *float64
	Initial *float64
	Target  *float64
	Unit    string
	// Precision is the number of decimals to display. Nil selects
	// DefaultPrecision; zero means whole numbers.
	Precision *int
	Elapsed   time.Duration
	Done      bool
}

// View projects s into a StatusView. It has no side effects and is safe to
// call concurrently.
func View(s Signal) model.StatusView {
	v := model.StatusView{
		DisplayName: s.Name,
		Current:     s.Current,
		Initial:     s.Initial,
		Target:      s.Target,
		Unit:        s.Unit,
		Precision:   DefaultPrecision,
		Done:        s.Done,
	}
	if v.DisplayName == "" {
		v.DisplayName = DefaultName
	}
	if v.Unit == "" {
		v.Unit = DefaultUnit
	}
	if s.Precision != nil && *s.Precision >= 0 {
		v.Precision = *s.Precision
	}
	if s.Elapsed > 0 || s.Done {
		v.TimeElapsed = ptr(s.Elapsed.Seconds())
	}

	if s.Done {
		v.Percentage = ptr(100.0)
		v.TimeRemaining = ptr(0.0)
		return v
	}

	f, ok := fraction(s)
	if !ok {
		return v
	}
	v.Percentage = ptr(f * 100)
	if f > 0 && v.TimeElapsed != nil {
		v.TimeRemaining = ptr(*v.TimeElapsed * (1 - f) / f)
	}
	return v
}

// fraction returns the completed fraction in [0, 1], or false when the
// bounds are unknown or degenerate.
func fraction(s Signal) (float64, bool) {
	if s.Current == nil || s.Initial == nil || s.Target == nil {
		return 0, false
	}
	span := *s.Target - *s.Initial
	if span == 0 || math.IsNaN(span) || math.IsInf(span, 0) {
		return 0, false
	}
	f := (*s.Current - *s.Initial) / span
	if math.IsNaN(f) {
		return 0, false
	}
	return math.Min(math.Max(f, 0), 1), true
}

func ptr(f float64) *float64 { return &f }
