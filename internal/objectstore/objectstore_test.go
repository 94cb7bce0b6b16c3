package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/gauntlet/internal/config"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"ok", Config{Endpoint: "localhost:9000", Bucket: "runs"}, ""},
		{"ok with keys", Config{Endpoint: "s3.local", Bucket: "runs", AccessKey: "a", SecretKey: "b"}, ""},
		{"missing endpoint", Config{Bucket: "runs"}, "endpoint is required"},
		{"scheme", Config{Endpoint: "http://localhost:9000", Bucket: "runs"}, "without a scheme"},
		{"missing bucket", Config{Endpoint: "localhost:9000"}, "bucket is required"},
		{"half keys", Config{Endpoint: "localhost:9000", Bucket: "runs", AccessKey: "a"}, "set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "exp1/alpha/r1.tar.zst", Config{Prefix: "/exp1/"}.Key("alpha", "r1"))
	assert.Equal(t, "alpha/r1.tar.zst", Config{}.Key("alpha", "r1"))
}

func TestFromMirrorReadsKeysFromEnv(t *testing.T) {
	t.Setenv("TEST_MIRROR_AK", "access")
	t.Setenv("TEST_MIRROR_SK", "secret")
	cfg := FromMirror(config.Mirror{
		Endpoint:     "localhost:9000",
		Bucket:       "runs",
		AccessKeyEnv: "TEST_MIRROR_AK",
		SecretKeyEnv: "TEST_MIRROR_SK",
	})
	assert.Equal(t, "access", cfg.AccessKey)
	assert.Equal(t, "secret", cfg.SecretKey)
	require.NoError(t, cfg.Validate())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Endpoint: "https://x", Bucket: "b"})
	require.Error(t, err)
}
