package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/gateway"
	"github.com/signalnine/gauntlet/internal/result"
)

// ReferenceModel is the model name reference usage records are logged under.
const ReferenceModel = "reference"

// Reference is a deterministic no-op framework. It performs no generation,
// so any variation in its results comes from the engine itself.
type Reference struct {
	fw     config.Framework
	deps   Deps
	logger zerolog.Logger

	mu      sync.Mutex
	ws      Workspace
	running bool
}

func NewReference(fw config.Framework, d Deps) *Reference {
	return &Reference{fw: fw, deps: d, logger: d.Logger.With().Str("adapter", "reference").Str("framework", fw.Name).Logger()}
}

func (r *Reference) Start(ctx context.Context, ws Workspace) error {
	if err := ctx.Err(); err != nil {
		return provisioningErr("%v", err)
	}
	for _, dir := range []string{ws.Dir, ws.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return provisioningErr("creating %s: %v", dir, err)
		}
	}
	r.mu.Lock()
	r.ws = ws
	r.running = true
	r.mu.Unlock()
	r.logger.Debug().Str("run_id", ws.RunID).Msg("reference instance started")
	return nil
}

func (r *Reference) ExecuteStep(ctx context.Context, step int, command string, c Clarifier) StepOutcome {
	start := time.Now()
	r.mu.Lock()
	ws, running := r.ws, r.running
	r.mu.Unlock()
	if !running {
		return failed(start, "instance not started")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# step %d\n%s\n", step, command)
	requests := r.fw.Reference.ClarificationsPerStep
	for i := 1; i <= requests; i++ {
		if err := ctx.Err(); err != nil {
			return failed(start, "cancelled")
		}
		resp, guided := c.Clarify(fmt.Sprintf("step %d question %d: %s", step, i, command))
		if guided {
			fmt.Fprintf(&b, "\n## guidance %d\n%s\n", i, resp)
		} else {
			fmt.Fprintf(&b, "\n## guidance %d\n(none)\n", i)
		}
	}
	if err := ctx.Err(); err != nil {
		return failed(start, "cancelled")
	}

	artifact := filepath.Join(ws.Dir, fmt.Sprintf("step-%02d.md", step))
	if err := os.WriteFile(artifact, []byte(b.String()), 0o644); err != nil {
		return failed(start, fmt.Sprintf("writing artifact: %v", err))
	}

	in := r.fw.Reference.TokensPerStep
	if in <= 0 {
		in = len(strings.Fields(command))
	}
	out := 2 * in
	usage := gateway.UsageRecord{Provider: ReferenceModel, Model: ReferenceModel, InputTokens: in, OutputTokens: out}
	if err := gateway.AppendUsage(filepath.Join(ws.LogDir, result.UsageLogFile), usage); err != nil {
		r.logger.Warn().Err(err).Msg("recording usage")
	}

	return StepOutcome{
		Success:   true,
		Duration:  time.Since(start),
		HITLCount: requests,
		TokensIn:  in,
		TokensOut: out,
	}
}

func (r *Reference) HealthCheck(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reference) HandleClarification(query string) string {
	return r.deps.Clarifications.Response(query)
}

func (r *Reference) Stop(context.Context) error {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}
