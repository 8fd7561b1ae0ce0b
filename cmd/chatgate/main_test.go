package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/ratelimit"
)

const testConfigYAML = `
server:
  port: 9090
  upstream_url: http://localhost:8000
gate:
  limits:
    minute: 5
    day: 100
  routes: ["/api/chat"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// run parses args and runs the selected command, capturing stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	stdout, stderr = &out, &bytes.Buffer{}
	t.Cleanup(func() { stdout, stderr = os.Stdout, os.Stderr })

	var cli CLI
	parser, err := kong.New(&cli, kong.Name("chatgate"), kong.Exit(func(int) {}))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	err = kctx.Run(&cli)
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "chatgate ")
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	out, err := run(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	out, err = run(t, "--config", path, "validate", "--format", "json")
	require.NoError(t, err)
	var res validationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, path, res.Source)
}

func TestValidate_Invalid(t *testing.T) {
	path := writeConfig(t, "gate:\n  routes: [\"no-slash\"]\n")

	_, err := run(t, "validate", path)
	assert.Error(t, err)
}

func TestValidate_PrintConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	out, err := run(t, "validate", path, "--print-config", "--format", "json")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, int64(5), cfg.Gate.Limits.Minute)
}

func TestSchema(t *testing.T) {
	out, err := run(t, "schema", "--compact")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Equal(t, "chatgate configuration", schema["title"])
}

func TestUsage_MemoryStore(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	out, err := run(t, "--config", path, "usage", "jwt:user-42")
	require.NoError(t, err)

	var res struct {
		Identity string `json:"identity"`
		Windows  []struct {
			Window string `json:"window"`
			Count  int64  `json:"count"`
			Limit  int64  `json:"limit"`
		} `json:"windows"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "jwt:user-42", res.Identity)
	require.Len(t, res.Windows, len(ratelimit.Units))
	assert.Equal(t, "minute", res.Windows[0].Window)
	assert.Equal(t, int64(5), res.Windows[0].Limit)
	for _, w := range res.Windows {
		assert.Zero(t, w.Count)
	}
}

func TestUsage_InvalidIdentity(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	_, err := run(t, "--config", path, "usage", "not-an-identity")
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	out, err := run(t, "--config", path, "reset", "ip:abcdef0123456789", "--window", "minute,day")
	require.NoError(t, err)
	assert.Contains(t, out, "0 counter(s) deleted")

	_, err = run(t, "--config", path, "reset", "ip:abcdef0123456789", "--window", "fortnight")
	assert.Error(t, err)
}

func TestIdentify_ForwardedAddress(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	out, err := run(t, "--config", path, "identify", "--forwarded-for", "203.0.113.7, 10.0.0.1")
	require.NoError(t, err)

	var res struct {
		Identity      string `json:"identity"`
		Kind          string `json:"kind"`
		Authenticated bool   `json:"authenticated"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "ip", res.Kind)
	assert.False(t, res.Authenticated)
	assert.NotContains(t, res.Identity, "203.0.113.7")
}

func TestIdentifyCmd_Material(t *testing.T) {
	c := IdentifyCmd{
		Authorization: "Bearer abc",
		Cookie:        []string{"session=s1", "session=s2", "broken", "theme=dark"},
		ForwardedFor:  "198.51.100.1",
		RemoteAddr:    "10.0.0.5:1234",
	}
	m := c.material()

	assert.Equal(t, "Bearer abc", m.Authorization)
	assert.Equal(t, map[string]string{"session": "s1", "theme": "dark"}, m.Cookies)
	assert.Equal(t, "198.51.100.1", m.Headers.Get("X-Forwarded-For"))
	assert.Equal(t, "10.0.0.5:1234", m.RemoteAddr)
}

func TestParseUnits(t *testing.T) {
	units, err := parseUnits([]string{"minute", " month ", ""})
	require.NoError(t, err)
	assert.Equal(t, []ratelimit.Unit{ratelimit.UnitMinute, ratelimit.UnitMonth}, units)

	_, err = parseUnits([]string{"week"})
	assert.Error(t, err)
}

func TestResolveLogSettings(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	t.Setenv(LogFileEnvVar, "")
	t.Setenv(LogFormatEnvVar, "")

	s := resolveLogSettings("", "", "", nil)
	assert.Equal(t, logSettings{level: "info", format: DefaultLogFormat}, s)

	fromCfg := &config.LoggerConfig{Level: "warn", Format: "json", File: "gate.log"}
	s = resolveLogSettings("", "", "", fromCfg)
	assert.Equal(t, logSettings{level: "warn", file: "gate.log", format: "json"}, s)

	t.Setenv(LogLevelEnvVar, "error")
	s = resolveLogSettings("", "", "", fromCfg)
	assert.Equal(t, "error", s.level)

	s = resolveLogSettings("debug", "", "verbose", fromCfg)
	assert.Equal(t, "debug", s.level)
	assert.Equal(t, "verbose", s.format)
}

func TestSourceOptions(t *testing.T) {
	cli := CLI{Config: "chatgate/config", ConfigType: "etcd", ConfigEndpoints: []string{"etcd:2379"}}
	opts, err := cli.sourceOptions()
	require.NoError(t, err)
	assert.Equal(t, "etcd", string(opts.Type))
	assert.Equal(t, []string{"etcd:2379"}, opts.Endpoints)

	cli.ConfigType = "s3"
	_, err = cli.sourceOptions()
	assert.Error(t, err)
}
