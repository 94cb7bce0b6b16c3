package runner

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalnine/gauntlet/internal/adapter"
	"github.com/signalnine/gauntlet/internal/clarify"
	"github.com/signalnine/gauntlet/internal/metrics"
	"github.com/signalnine/gauntlet/internal/result"
)

// stepClarifier enforces the per-step clarification ceiling. One instance
// spans every attempt of a step. Once closed it answers nothing and records
// nothing, so an orphaned step cannot write into a finished run.
type stepClarifier struct {
	runID    string
	step     int
	ceiling  int
	adapter  adapter.Adapter
	recorder *metrics.Recorder
	hitlLog  string
	logger   zerolog.Logger

	mu       sync.Mutex
	closed   bool
	requests int
	guided   int
	unguided int
}

func (c *stepClarifier) Clarify(query string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.logger.Warn().Msg("clarification after the step ended, ignored")
		return "", false
	}
	c.requests++

	if c.guided >= c.ceiling {
		c.unguided++
		c.recorder.RecordUnguided()
		c.logger.Debug().Int("request", c.requests).Msg("clarification ceiling reached, continuing unguided")
		return "", false
	}

	c.guided++
	resp := c.adapter.HandleClarification(query)
	ev := result.HITLEvent{
		RunID:          c.runID,
		Step:           c.step,
		Query:          query,
		Response:       resp,
		ResponseDigest: clarify.Digest(resp),
		Timestamp:      time.Now().UTC(),
	}
	c.recorder.RecordHITL(ev)
	if err := result.AppendJSONL(c.hitlLog, ev); err != nil {
		c.logger.Error().Err(err).Msg("writing hitl event")
	}
	c.logger.Info().Int("request", c.requests).Str("digest", ev.ResponseDigest[:12]).Msg("clarification answered")
	return resp, true
}

func (c *stepClarifier) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// close stops the clarifier and returns its final counts.
func (c *stepClarifier) close() (requests, guided, unguided int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.requests, c.guided, c.unguided
}
