package adapter_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/signalnine/gauntlet/internal/adapter"
	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/gateway"
	"github.com/signalnine/gauntlet/internal/result"
)

const pinned = "4f2a9c1e0b7d6a5f4e3d2c1b0a9f8e7d6c5b4a39"

// fakeFramework speaks the control protocol. Each step raises asks
// clarifications, reports usage and then succeeds unless hang is set.
type fakeFramework struct {
	commit string
	asks   int
	hang   bool

	mu        sync.Mutex
	responses []adapter.Envelope
	received  []string
}

func (f *fakeFramework) record(env adapter.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, env.Type)
	if env.Type == adapter.MsgClarificationResponse {
		f.responses = append(f.responses, env)
	}
}

func (f *fakeFramework) serve(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		write := func(env adapter.Envelope) error {
			data, _ := json.Marshal(env)
			return conn.Write(ctx, websocket.MessageText, data)
		}
		read := func() (adapter.Envelope, error) {
			var env adapter.Envelope
			_, data, err := conn.Read(ctx)
			if err != nil {
				return env, err
			}
			err = json.Unmarshal(data, &env)
			f.record(env)
			return env, err
		}
		for {
			env, err := read()
			if err != nil {
				return
			}
			switch env.Type {
			case adapter.MsgHello:
				write(adapter.Envelope{Type: "log"})
				write(adapter.Envelope{Type: adapter.MsgReady, Commit: f.commit})
			case adapter.MsgStep:
				for i := 0; i < f.asks; i++ {
					write(adapter.Envelope{Type: adapter.MsgClarification, RequestID: "q" + string(rune('a'+i)), Query: "which database?"})
					if _, err := read(); err != nil {
						return
					}
				}
				write(adapter.Envelope{Type: adapter.MsgUsage, Provider: "openai", Model: "gpt-4o", InputTokens: 40, OutputTokens: 10})
				write(adapter.Envelope{Type: adapter.MsgUsage, InputTokens: 2, OutputTokens: 1})
				if f.hang {
					continue
				}
				ok := !strings.Contains(env.Command, "fail")
				write(adapter.Envelope{Type: adapter.MsgResult, Step: env.Step, Success: &ok, Error: map[bool]string{false: "boom"}[ok]})
			case adapter.MsgShutdown:
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startWS(t *testing.T, f *fakeFramework, commit string) (*adapter.WebSocket, adapter.Workspace) {
	t.Helper()
	srv := f.serve(t)
	a := adapter.NewWebSocket(config.Framework{Name: "ws", Adapter: config.AdapterWebSocket, Endpoint: wsURL(srv), Commit: commit}, testDeps(t))
	ws := testWorkspace(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx, ws))
	t.Cleanup(func() { a.Stop(context.Background()) })
	return a, ws
}

func TestWebSocketStep(t *testing.T) {
	f := &fakeFramework{commit: pinned, asks: 3}
	a, ws := startWS(t, f, pinned[:12])

	c := &recordingClarifier{answer: guidance, limit: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := a.ExecuteStep(ctx, 1, "scaffold", c)

	require.True(t, out.Success, out.FailureReason)
	assert.Equal(t, 3, out.HITLCount)
	assert.Equal(t, 42, out.TokensIn)
	assert.Equal(t, 11, out.TokensOut)

	f.mu.Lock()
	require.Len(t, f.responses, 3)
	assert.Equal(t, guidance, f.responses[0].Response)
	assert.True(t, *f.responses[1].Guided)
	assert.Equal(t, "", f.responses[2].Response)
	assert.False(t, *f.responses[2].Guided)
	f.mu.Unlock()

	records, err := gateway.ParseUsageLogs(filepath.Join(ws.LogDir, result.UsageLogFile))
	require.NoError(t, err)
	require.Len(t, records, 1, "records without a model are not priced")

	out = a.ExecuteStep(ctx, 2, "please fail", c)
	assert.False(t, out.Success)
	assert.Equal(t, "boom", out.FailureReason)
	assert.True(t, a.HealthCheck(ctx))
}

func TestWebSocketCommitMismatch(t *testing.T) {
	f := &fakeFramework{commit: "0000000000000000000000000000000000000000"}
	srv := f.serve(t)
	a := adapter.NewWebSocket(config.Framework{Name: "ws", Endpoint: wsURL(srv), Commit: pinned}, testDeps(t))
	err := a.Start(context.Background(), testWorkspace(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrProvisioning))
	require.NoError(t, a.Stop(context.Background()), "stop after partial start")
}

func TestWebSocketUnreachable(t *testing.T) {
	a := adapter.NewWebSocket(config.Framework{Name: "ws", Endpoint: "ws://127.0.0.1:1/control"}, testDeps(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.Start(ctx, testWorkspace(t))
	assert.ErrorIs(t, err, adapter.ErrProvisioning)
	assert.False(t, a.HealthCheck(ctx))
}

func TestWebSocketStepCancelled(t *testing.T) {
	f := &fakeFramework{commit: pinned, hang: true}
	a, _ := startWS(t, f, "")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out := a.ExecuteStep(ctx, 1, "scaffold", &recordingClarifier{})
	assert.False(t, out.Success)
	assert.Equal(t, "cancelled", out.FailureReason)
	// The cancelled read already dropped the connection; the forced phase
	// must still be safe to call.
	a.Terminate(context.Background(), true)
	require.NoError(t, a.Stop(context.Background()))
}
