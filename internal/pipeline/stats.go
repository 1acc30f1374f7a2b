package pipeline

import (
	"time"

	"github.com/e7canasta/orion-capture-display/internal/buffer"
)

// Stats is a snapshot of one run.
type Stats struct {
	Backend           string         `json:"backend" msgpack:"backend"`
	State             string         `json:"state" msgpack:"state"`
	FramesCaptured    uint64         `json:"frames_captured" msgpack:"frames_captured"`
	FramesTransformed uint64         `json:"frames_transformed" msgpack:"frames_transformed"`
	FramesPosted      uint64         `json:"frames_posted" msgpack:"frames_posted"`
	PostFailures      uint64         `json:"post_failures" msgpack:"post_failures"`
	FlipTimeouts      uint64         `json:"flip_timeouts" msgpack:"flip_timeouts"`
	Uptime            time.Duration  `json:"uptime" msgpack:"uptime"`
	FPS               FPSStats       `json:"fps" msgpack:"fps"`
	Holders           map[string]int `json:"holders" msgpack:"holders"`
}

// Stats returns counters, the display rate and where every buffer is.
// It is safe to call from any goroutine.
func (o *Orchestrator) Stats() Stats {
	now := time.Now()
	s := Stats{
		Backend:           o.backend.Name(),
		State:             o.State().String(),
		FramesCaptured:    o.captured.Load(),
		FramesTransformed: o.transformed.Load(),
		FramesPosted:      o.posted.Load(),
		PostFailures:      o.postFailures.Load(),
		FlipTimeouts:      o.flipTimeouts.Load(),
		Holders:           make(map[string]int),
	}

	o.mu.Lock()
	if !o.started.IsZero() {
		s.Uptime = now.Sub(o.started)
	}
	s.FPS = o.window.stats(now)
	in, out := o.in, o.out
	o.mu.Unlock()

	for _, l := range []*buffer.Ledger{in, out} {
		if l == nil {
			continue
		}
		for h, n := range l.Counts() {
			s.Holders[h.String()] += n
		}
	}
	return s
}
