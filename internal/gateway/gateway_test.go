package gateway_test

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/gauntlet/internal/gateway"
)

func TestFindFreePort(t *testing.T) {
	port, err := gateway.FindFreePort()
	require.NoError(t, err)
	assert.True(t, port >= 1024 && port <= 65535, "port out of range: %d", port)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err, "port %d not free", port)
	ln.Close()
}

func TestGatewayURL(t *testing.T) {
	gw := &gateway.Gateway{Port: 8080}
	assert.Equal(t, "http://localhost:8080", gw.URL())
	assert.Equal(t, "http://host.docker.internal:8080", gw.ContainerURL())
}

func TestParseUsageLogs(t *testing.T) {
	logContent := `{"model":"claude-sonnet-4","provider":"anthropic","input_tokens":4200,"output_tokens":1800}
{"model":"gpt-4o","provider":"openai","input_tokens":1000,"output_tokens":500}
some non-json startup noise
{"provider":"openai","input_tokens":7}
`
	logPath := filepath.Join(t.TempDir(), "usage.jsonl")
	require.NoError(t, os.WriteFile(logPath, []byte(logContent), 0o644))

	records, err := gateway.ParseUsageLogs(logPath)
	require.NoError(t, err)
	require.Len(t, records, 2)

	inTok, outTok := gateway.TotalUsage(records)
	assert.Equal(t, 5200, inTok)
	assert.Equal(t, 2300, outTok)
}

func TestParseUsageLogsMissingFile(t *testing.T) {
	records, err := gateway.ParseUsageLogs(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAppendUsage(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "usage.jsonl")
	require.NoError(t, gateway.AppendUsage(logPath, gateway.UsageRecord{Provider: "openai", Model: "gpt-4o", InputTokens: 10, OutputTokens: 3}))
	require.NoError(t, gateway.AppendUsage(logPath, gateway.UsageRecord{Provider: "openai", Model: "gpt-4o", InputTokens: 5}))
	records, err := gateway.ParseUsageLogs(logPath)
	require.NoError(t, err)
	in, out := gateway.TotalUsage(records)
	assert.Equal(t, 15, in)
	assert.Equal(t, 3, out)
}

func TestParseEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	content := "# comment\n\nexport ANTHROPIC_API_KEY=\"sk-ant-1234567\"\nOPENAI_API_KEY='sk-oai-7654321'\nNOEQUALS\nPLAIN=value=with=equals\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	vars, err := gateway.ParseEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"ANTHROPIC_API_KEY": "sk-ant-1234567",
		"OPENAI_API_KEY":    "sk-oai-7654321",
		"PLAIN":             "value=with=equals",
	}, vars)
}

func TestResolveCredentials(t *testing.T) {
	t.Setenv("GAUNTLET_TEST_FALLBACK_KEY", "from-process-env")
	secrets := map[string]string{"ANTHROPIC_API_KEY": "sk-ant-1234567"}

	got, err := gateway.ResolveCredentials([]string{"ANTHROPIC_API_KEY", "GAUNTLET_TEST_FALLBACK_KEY"}, secrets)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-1234567", got["ANTHROPIC_API_KEY"])
	assert.Equal(t, "from-process-env", got["GAUNTLET_TEST_FALLBACK_KEY"])

	_, err = gateway.ResolveCredentials([]string{"GAUNTLET_TEST_SURELY_UNSET"}, secrets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GAUNTLET_TEST_SURELY_UNSET")
}
