package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailroute.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfig_IsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, DefaultRoutingEnv, cfg.Routing.Env)

	size, err := cfg.LMTP.GetMaxMessageSize()
	require.NoError(t, err)
	assert.Equal(t, int64(50*1024*1024), size)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "debug"
format = "json"

[routing]
file = "/etc/mailroute/routing.json"

[lmtp]
start = true
addr = "127.0.0.1:2424"
max_message_size = "10mb"
trusted_networks = ["127.0.0.0/8"]

[relay]
type = "http"
http_url = "https://relay.example.com/deliver"
auth_token = "secret"

[http_api]
start = true
addr = ":9090"

unknown_key = "ignored"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output, "unset keys keep defaults")
	assert.Equal(t, "/etc/mailroute/routing.json", cfg.Routing.File)
	assert.Equal(t, "127.0.0.1:2424", cfg.LMTP.Addr)
	assert.Equal(t, []string{"127.0.0.0/8"}, cfg.LMTP.TrustedNetworks)
	assert.Equal(t, "http", cfg.Relay.Type)
	assert.Equal(t, "secret", cfg.Relay.AuthToken)
	assert.True(t, cfg.HTTPAPI.Start)

	size, err := cfg.LMTP.GetMaxMessageSize()
	require.NoError(t, err)
	assert.Equal(t, int64(10*1024*1024), size)
}

func TestLoadConfigFromFile_SyntaxError(t *testing.T) {
	path := writeConfig(t, "[logging\nlevel = \"debug\"\n")

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line")
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.toml"), &cfg)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadConfigFromFile_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "info"

[http_api]
api_key = "from-file"
`)
	t.Setenv("MAILROUTE_LOG_LEVEL", "warn")
	t.Setenv("MAILROUTE_API_KEY", "from-env")
	t.Setenv("MAILROUTE_ROUTING_FILE", "/tmp/routing.json")

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "from-env", cfg.HTTPAPI.APIKey)
	assert.Equal(t, "/tmp/routing.json", cfg.Routing.File)
	assert.Equal(t, "console", cfg.Logging.Format, "variables that are not set keep file values")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "unknown relay type",
			mutate:  func(c *Config) { c.Relay.Type = "carrier-pigeon" },
			wantErr: "not supported",
		},
		{
			name:    "lmtp without relay",
			mutate:  func(c *Config) { c.Relay.Type = "" },
			wantErr: "relay.type is required",
		},
		{
			name:    "smtp relay without host",
			mutate:  func(c *Config) { c.Relay.SMTPHost = "" },
			wantErr: "smtp_host",
		},
		{
			name: "http relay without url",
			mutate: func(c *Config) {
				c.Relay.Type = "http"
			},
			wantErr: "http_url",
		},
		{
			name: "lmtp tls without certificates",
			mutate: func(c *Config) {
				c.LMTP.TLS = true
			},
			wantErr: "tls_cert_file",
		},
		{
			name:    "bad message size",
			mutate:  func(c *Config) { c.LMTP.MaxMessageSize = "huge" },
			wantErr: "max_message_size",
		},
		{
			name:    "overflowing message size",
			mutate:  func(c *Config) { c.LMTP.MaxMessageSize = "9000000000gb" },
			wantErr: "max_message_size",
		},
		{
			name: "relay optional when lmtp disabled",
			mutate: func(c *Config) {
				c.LMTP.Start = false
				c.Relay.Type = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRoutingConfig_LoadDocument(t *testing.T) {
	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "routing.json")
		require.NoError(t, os.WriteFile(path, []byte(`[]`), 0644))

		rc := RoutingConfig{File: path, Env: "IGNORED_VAR"}
		doc, err := rc.LoadDocument()
		require.NoError(t, err)
		assert.Equal(t, "[]", doc)
	})

	t.Run("from environment", func(t *testing.T) {
		t.Setenv("MAILROUTE_TEST_ROUTING", `[{"domain": "a.com", "config": []}]`)

		rc := RoutingConfig{Env: "MAILROUTE_TEST_ROUTING"}
		doc, err := rc.LoadDocument()
		require.NoError(t, err)
		assert.Contains(t, doc, "a.com")
	})

	t.Run("empty variable is returned as is", func(t *testing.T) {
		t.Setenv("MAILROUTE_TEST_ROUTING", "")

		rc := RoutingConfig{Env: "MAILROUTE_TEST_ROUTING"}
		doc, err := rc.LoadDocument()
		require.NoError(t, err)
		assert.Equal(t, "", doc)
	})

	t.Run("missing variable", func(t *testing.T) {
		rc := RoutingConfig{Env: "MAILROUTE_TEST_ROUTING_UNSET"}
		_, err := rc.LoadDocument()
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		rc := RoutingConfig{File: filepath.Join(t.TempDir(), "missing.json")}
		_, err := rc.LoadDocument()
		assert.Error(t, err)
	})
}
