// Package market
package market

import (
	"errors"
	"time"
)

// DataPoint is one ticker observation for a trading pair. Values are
// immutable once appended to a window.
type DataPoint struct {
	Pair      string    `json:"pair"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks if a data point carries usable prices.
func (d *DataPoint) Validate() error {
	if d.Pair == "" {
		return errors.New("data point pair cannot be empty")
	}
	if d.Timestamp.IsZero() {
		return errors.New("data point timestamp is zero")
	}
	if d.Open <= 0 || d.High <= 0 || d.Low <= 0 || d.Close <= 0 {
		return errors.New("data point prices must be positive")
	}
	if d.High < d.Low {
		return errors.New("data point high cannot be less than low")
	}
	if d.Volume < 0 {
		return errors.New("data point volume cannot be negative")
	}
	return nil
}

const (
	// DefaultWindowCap bounds per-pair history when no cap is configured.
	DefaultWindowCap = 200
	// MinWindowCap and MaxWindowCap clamp configured caps.
	MinWindowCap = 100
	MaxWindowCap = 300
)

// Window is a bounded, time-ordered history of data points for one pair.
// Appending past the cap evicts the oldest point. Not safe for concurrent
// use; the owner serializes access.
type Window struct {
	pair   string
	cap    int
	points []DataPoint
}

// NewWindow creates a window for pair. Caps outside [MinWindowCap,
// MaxWindowCap] are clamped; zero means DefaultWindowCap.
func NewWindow(pair string, capacity int) *Window {
	switch {
	case capacity == 0:
		capacity = DefaultWindowCap
	case capacity < MinWindowCap:
		capacity = MinWindowCap
	case capacity > MaxWindowCap:
		capacity = MaxWindowCap
	}
	return &Window{
		pair:   pair,
		cap:    capacity,
		points: make([]DataPoint, 0, capacity),
	}
}

// Pair returns the pair this window tracks.
func (w *Window) Pair() string { return w.pair }

// Cap returns the maximum number of points the window retains.
func (w *Window) Cap() int { return w.cap }

// Len returns the number of points currently held.
func (w *Window) Len() int { return len(w.points) }

// Append adds a point, evicting the oldest when full. Points older than the
// newest retained point are dropped so the window stays time-ordered.
func (w *Window) Append(d DataPoint) {
	if n := len(w.points); n > 0 && d.Timestamp.Before(w.points[n-1].Timestamp) {
		return
	}
	if len(w.points) == w.cap {
		copy(w.points, w.points[1:])
		w.points = w.points[:w.cap-1]
	}
	w.points = append(w.points, d)
}

// Last returns the newest point, or false when the window is empty.
func (w *Window) Last() (DataPoint, bool) {
	if len(w.points) == 0 {
		return DataPoint{}, false
	}
	return w.points[len(w.points)-1], true
}

// Snapshot returns an independent copy of the window. The engine evaluates
// strategies against snapshots so appends never race reads.
func (w *Window) Snapshot() *Window {
	c := &Window{
		pair:   w.pair,
		cap:    w.cap,
		points: make([]DataPoint, len(w.points)),
	}
	copy(c.points, w.points)
	return c
}

// Points returns a copy of the retained points, oldest first.
func (w *Window) Points() []DataPoint {
	out := make([]DataPoint, len(w.points))
	copy(out, w.points)
	return out
}

// Closes returns the close prices oldest first. Strategies consume this.
func (w *Window) Closes() []float64 {
	out := make([]float64, len(w.points))
	for i, p := range w.points {
		out[i] = p.Close
	}
	return out
}
