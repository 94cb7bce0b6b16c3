package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/gateway"
	"github.com/signalnine/gauntlet/internal/gitops"
	"github.com/signalnine/gauntlet/internal/result"
)

// WebSocket drives a long-running framework over its control endpoint.
type WebSocket struct {
	fw     config.Framework
	deps   Deps
	logger zerolog.Logger
	http   *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
	ws   Workspace
}

func NewWebSocket(fw config.Framework, d Deps) *WebSocket {
	return &WebSocket{
		fw:     fw,
		deps:   d,
		logger: d.Logger.With().Str("adapter", "websocket").Str("framework", fw.Name).Logger(),
		http:   &http.Client{},
	}
}

func (a *WebSocket) Start(ctx context.Context, ws Workspace) error {
	conn, _, err := websocket.Dial(ctx, a.fw.Endpoint, nil)
	if err != nil {
		return provisioningErr("connecting to %s: %v", a.fw.Endpoint, err)
	}
	conn.SetReadLimit(4 << 20)
	a.mu.Lock()
	a.conn = conn
	a.ws = ws
	a.mu.Unlock()

	hello := Envelope{Type: MsgHello, RunID: ws.RunID, Framework: a.fw.Name, Workspace: ws.Dir}
	if err := a.send(ctx, hello); err != nil {
		return provisioningErr("%v", err)
	}
	for {
		env, err := a.recv(ctx)
		if err != nil {
			return provisioningErr("awaiting ready: %v", err)
		}
		switch env.Type {
		case MsgReady:
			if a.fw.Commit != "" && !gitops.MatchesCommit(a.fw.Commit, env.Commit) {
				return provisioningErr("framework reports commit %q, pinned %s", env.Commit, a.fw.Commit)
			}
			a.logger.Info().Str("run_id", ws.RunID).Str("commit", env.Commit).Msg("framework ready")
			return nil
		case MsgError:
			return provisioningErr("framework error: %s", env.Error)
		default:
			a.logger.Debug().Str("type", env.Type).Msg("ignoring message before ready")
		}
	}
}

func (a *WebSocket) ExecuteStep(ctx context.Context, step int, command string, c Clarifier) StepOutcome {
	start := time.Now()
	a.mu.Lock()
	conn, ws := a.conn, a.ws
	a.mu.Unlock()
	if conn == nil {
		return failed(start, "instance not started")
	}

	if err := a.send(ctx, Envelope{Type: MsgStep, Step: step, Command: command}); err != nil {
		return failed(start, err.Error())
	}

	out := StepOutcome{}
	usageLog := filepath.Join(ws.LogDir, result.UsageLogFile)
	for {
		env, err := a.recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return failed(start, "cancelled")
			}
			return failed(start, fmt.Sprintf("connection lost: %v", err))
		}
		switch env.Type {
		case MsgClarification:
			out.HITLCount++
			resp, guided := c.Clarify(env.Query)
			reply := Envelope{Type: MsgClarificationResponse, RequestID: env.RequestID, Response: resp, Guided: &guided}
			if err := a.send(ctx, reply); err != nil {
				return failed(start, err.Error())
			}
		case MsgUsage:
			out.TokensIn += env.InputTokens
			out.TokensOut += env.OutputTokens
			if env.Model != "" {
				rec := gateway.UsageRecord{Provider: env.Provider, Model: env.Model, InputTokens: env.InputTokens, OutputTokens: env.OutputTokens}
				if err := gateway.AppendUsage(usageLog, rec); err != nil {
					a.logger.Warn().Err(err).Msg("recording usage")
				}
			}
		case MsgResult:
			if env.Step != 0 && env.Step != step {
				a.logger.Warn().Int("step", step).Int("reported", env.Step).Msg("result for another step ignored")
				continue
			}
			out.Success = env.Success != nil && *env.Success
			out.FailureReason = env.Error
			if !out.Success && out.FailureReason == "" {
				out.FailureReason = "framework reported failure"
			}
			out.Duration = time.Since(start)
			return out
		case MsgError:
			return failed(start, "framework error: "+env.Error)
		default:
			a.logger.Debug().Str("type", env.Type).Msg("ignoring message")
		}
	}
}

// Terminate asks the framework to abandon the current step. The forced
// phase drops the connection.
func (a *WebSocket) Terminate(ctx context.Context, force bool) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	if force {
		return conn.Close(websocket.StatusGoingAway, "step deadline exceeded")
	}
	return a.send(ctx, Envelope{Type: MsgInterrupt})
}

func (a *WebSocket) HealthCheck(ctx context.Context) bool {
	if a.fw.HealthURL != "" {
		return probeHTTP(ctx, a.http, a.fw.HealthURL, a.deps.HealthTimeout)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

func (a *WebSocket) HandleClarification(query string) string {
	return a.deps.Clarifications.Response(query)
}

func (a *WebSocket) Stop(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if data, err := json.Marshal(Envelope{Type: MsgShutdown}); err == nil {
		conn.Write(wctx, websocket.MessageText, data)
	}
	if err := conn.Close(websocket.StatusNormalClosure, "run finished"); err != nil {
		a.logger.Debug().Err(err).Msg("closing control connection")
	}
	return nil
}

func (a *WebSocket) send(ctx context.Context, env Envelope) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (a *WebSocket) recv(ctx context.Context) (*Envelope, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil, errors.New("not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.logger.Debug().Str("raw", string(data)).Msg("malformed message")
			continue
		}
		return &env, nil
	}
}
