package ratelimit

import "time"

// RateWindow is a sliding log of request timestamps. It is not safe for concurrent use;
// the owning category or account serializes access.
type RateWindow struct {
	burstLimit int
	window     time.Duration
	stamps     []time.Time
	floodUntil time.Time
}

// NewRateWindow returns a window admitting burstLimit requests per window.
func NewRateWindow(burstLimit int, window time.Duration) *RateWindow {
	return &RateWindow{burstLimit: burstLimit, window: window}
}

func (w *RateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Count returns the number of requests recorded within the window ending at now.
func (w *RateWindow) Count(now time.Time) int {
	w.prune(now)
	return len(w.stamps)
}

// Delay returns how long a request at now must wait so that the window never holds more
// than burstLimit requests. Zero means it may proceed.
func (w *RateWindow) Delay(now time.Time) time.Duration {
	if w.burstLimit <= 0 {
		return 0
	}
	w.prune(now)
	if len(w.stamps) < w.burstLimit {
		return 0
	}
	// The oldest request that must age out for one slot to open.
	oldest := w.stamps[len(w.stamps)-w.burstLimit]
	return oldest.Add(w.window).Sub(now)
}

// Record adds a request at t. Timestamps are kept ordered.
func (w *RateWindow) Record(t time.Time) {
	n := len(w.stamps)
	if n == 0 || !t.Before(w.stamps[n-1]) {
		w.stamps = append(w.stamps, t)
		return
	}
	i := n
	for i > 0 && t.Before(w.stamps[i-1]) {
		i--
	}
	w.stamps = append(w.stamps, time.Time{})
	copy(w.stamps[i+1:], w.stamps[i:])
	w.stamps[i] = t
}

// SetFloodWait extends the flood-wait deadline; an earlier deadline never shortens it.
func (w *RateWindow) SetFloodWait(until time.Time) {
	if until.After(w.floodUntil) {
		w.floodUntil = until
	}
}

// FloodWaitRemaining returns the time left until the flood-wait deadline.
func (w *RateWindow) FloodWaitRemaining(now time.Time) time.Duration {
	if w.floodUntil.After(now) {
		return w.floodUntil.Sub(now)
	}
	return 0
}

// FloodWaitUntil returns the deadline if it lies after now.
func (w *RateWindow) FloodWaitUntil(now time.Time) *time.Time {
	if !w.floodUntil.After(now) {
		return nil
	}
	t := w.floodUntil
	return &t
}
