package task

import (
	"fmt"
	"sync"
	"time"
)

// SpeedCalculator tracks bytes received over a short trailing window and
// reports an instantaneous bytes/sec figure.
type SpeedCalculator struct {
	mu       sync.Mutex
	buckets  []int64
	head     int
	lastTick time.Time
}

// NewSpeedCalculator creates a calculator averaging over windowSeconds.
func NewSpeedCalculator(windowSeconds int) *SpeedCalculator {
	if windowSeconds <= 0 {
		windowSeconds = 5
	}
	return &SpeedCalculator{
		buckets:  make([]int64, windowSeconds),
		lastTick: time.Now(),
	}
}

// advance rotates the ring forward, zeroing buckets for elapsed seconds.
// Caller must hold mu.
func (s *SpeedCalculator) advance(now time.Time) {
	elapsed := int(now.Sub(s.lastTick) / time.Second)
	if elapsed <= 0 {
		return
	}
	if elapsed > len(s.buckets) {
		elapsed = len(s.buckets)
	}
	for i := 0; i < elapsed; i++ {
		s.head = (s.head + 1) % len(s.buckets)
		s.buckets[s.head] = 0
	}
	s.lastTick = now
}

// AddBytes records n bytes received now.
func (s *SpeedCalculator) AddBytes(n int64) {
	s.mu.Lock()
	s.advance(time.Now())
	s.buckets[s.head] += n
	s.mu.Unlock()
}

// GetSpeed returns the average bytes/sec over the window.
func (s *SpeedCalculator) GetSpeed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(time.Now())

	var total int64
	for _, b := range s.buckets {
		total += b
	}
	return total / int64(len(s.buckets))
}

// FormatSpeed renders a bytes/sec figure for display, e.g. "512.0 KB/s".
func FormatSpeed(bytesPerSec int64) string {
	switch {
	case bytesPerSec >= 1<<30:
		return fmt.Sprintf("%.1f GB/s", float64(bytesPerSec)/(1<<30))
	case bytesPerSec >= 1<<20:
		return fmt.Sprintf("%.1f MB/s", float64(bytesPerSec)/(1<<20))
	case bytesPerSec >= 1<<10:
		return fmt.Sprintf("%.1f KB/s", float64(bytesPerSec)/(1<<10))
	default:
		return fmt.Sprintf("%d B/s", bytesPerSec)
	}
}
