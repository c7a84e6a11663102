// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/toolhost/internal/toolserver"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestParse_ServerMap(t *testing.T) {
	t.Setenv("FILES_TOKEN", "s3cret")

	cfg, err := Parse([]byte(`
defaults:
  timeout: 30
  env:
    REGION: eu
servers:
  files:
    command: files-server
    args: ["--root", "/srv"]
    env:
      TOKEN: "${FILES_TOKEN}"
  search:
    command: search-server
    timeout: 1500ms
    enabled: false
    rate_limit: 2.5
`))
	require.NoError(t, err)
	require.Empty(t, cfg.Problems)
	require.Len(t, cfg.Servers, 2)

	files := cfg.Servers[0]
	assert.Equal(t, "files", files.Name)
	assert.Equal(t, []string{"--root", "/srv"}, files.Args)
	assert.Equal(t, map[string]string{"REGION": "eu", "TOKEN": "s3cret"}, files.Env)
	assert.Equal(t, 30*time.Second, files.Timeout)
	assert.True(t, files.Enabled)
	assert.Equal(t, toolserver.TransportStdio, files.Transport)

	search := cfg.Servers[1]
	assert.Equal(t, 1500*time.Millisecond, search.Timeout)
	assert.False(t, search.Enabled)
	assert.Equal(t, 2.5, search.RateLimit)
}

func TestParse_ServerList(t *testing.T) {
	cfg, err := Parse([]byte(`
servers:
  - name: a
    command: a-server
    env: ["X=1", "Y=two=2"]
  - command: nameless
  - name: b
    command: b-server
    transport: http
`))
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, map[string]string{"X": "1", "Y": "two=2"}, cfg.Servers[0].Env)
	assert.Equal(t, toolserver.DefaultTimeout, cfg.Servers[0].Timeout)
	assert.Equal(t, toolserver.TransportKind("http"), cfg.Servers[1].Transport)

	require.Len(t, cfg.Problems, 1)
	assert.Equal(t, "#1", cfg.Problems[0].Server)
}

func TestParse_LegacyJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{
  "mcpServers": {
    "weather": {"command": "python", "args": ["weather.py"], "env": {"API_KEY": "k"}},
    "old": {"command": "old-server", "disabled": true}
  }
}`))
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "weather", cfg.Servers[0].Name)
	assert.True(t, cfg.Servers[0].Enabled)
	assert.False(t, cfg.Servers[1].Enabled)
}

func TestParse_BadEntrySkipped(t *testing.T) {
	cfg, err := Parse([]byte(`
servers:
  good:
    command: ok
  bad:
    command: x
    timeout: soon
`))
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "good", cfg.Servers[0].Name)
	require.Len(t, cfg.Problems, 1)
	assert.Equal(t, "bad", cfg.Problems[0].Server)
	assert.Contains(t, cfg.Problems[0].Error(), "server bad")
}

func TestParse_Permissions(t *testing.T) {
	cfg, err := Parse([]byte(`
permissions:
  default_role: reader
  roles:
    reader:
      servers:
        files: ["read_*"]
      blocked: ["*/delete_*"]
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Permissions)
	assert.True(t, cfg.Permissions.IsPermitted("", "files", "read_file"))
	assert.False(t, cfg.Permissions.IsPermitted("", "files", "write_file"))

}

func TestParse_InvalidPermissionsKeepsServers(t *testing.T) {
	cfg, err := Parse([]byte(`
servers:
  files:
    command: files-server
  search:
    command: search-server
permissions:
  default_role: missing
  roles:
    reader: {}
`))
	require.NoError(t, err)
	assert.Len(t, cfg.Servers, 2)

	require.Len(t, cfg.Problems, 1)
	assert.Empty(t, cfg.Problems[0].Server)
	assert.Contains(t, cfg.Problems[0].Error(), "permissions")

	require.NotNil(t, cfg.Permissions)
	assert.False(t, cfg.Permissions.IsPermitted("", "files", "read_file"))
	assert.False(t, cfg.Permissions.IsPermitted("reader", "search", "query"))

	findings := cfg.Validate()
	assert.True(t, HasErrors(findings))
}

func TestLoad(t *testing.T) {
	t.Run("missing file is empty", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Empty(t, cfg.Servers)
	})

	t.Run("syntax error is a ConfigError", func(t *testing.T) {
		path := writeFile(t, "servers.yaml", "servers: [unclosed")
		_, err := Load(path)
		var ce *toolserver.ConfigError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, path, ce.Path)
	})

	t.Run("relative journal path", func(t *testing.T) {
		path := writeFile(t, "servers.yaml", "journal:\n  path: hist.db\n")
		cfg, err := Load(path)
		require.NoError(t, err)
		got, err := cfg.JournalPath()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(filepath.Dir(path), "hist.db"), got)
	})

	t.Run("journal disabled", func(t *testing.T) {
		cfg := &Config{Journal: JournalConfig{Disabled: true}}
		got, err := cfg.JournalPath()
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestFileSource(t *testing.T) {
	path := writeFile(t, "servers.yaml", "servers:\n  a:\n    command: a\n")
	reg, err := toolserver.LoadRegistry(FileSource{Path: path}, nil)
	require.NoError(t, err)
	_, ok := reg.Lookup("a")
	assert.True(t, ok)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvLegacyConfig, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	t.Chdir(t.TempDir())

	got, err := ResolvePath("explicit.yaml")
	require.NoError(t, err)
	assert.Equal(t, "explicit.yaml", got)

	got, err = ResolvePath("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/xdg", "toolhost", FileName), got)

	require.NoError(t, os.WriteFile(LegacyFileName, []byte("{}"), 0600))
	got, err = ResolvePath("")
	require.NoError(t, err)
	assert.Equal(t, LegacyFileName, got)

	t.Setenv(EnvLegacyConfig, "legacy.json")
	got, _ = ResolvePath("")
	assert.Equal(t, "legacy.json", got)

	t.Setenv(EnvConfig, "env.yaml")
	got, _ = ResolvePath("")
	assert.Equal(t, "env.yaml", got)
}

func TestValidate(t *testing.T) {
	cfg, err := Parse([]byte(`
servers:
  ok:
    command: sh
  "9bad":
    command: x
  missing:
    command: definitely-not-a-real-binary-xyz
    env: {"bad-key": v}
  remote:
    command: sh
    transport: http
`))
	require.NoError(t, err)
	cfg.Servers = append(cfg.Servers, cfg.Servers[0])

	findings := cfg.Validate()
	assert.True(t, HasErrors(findings))

	byServer := map[string][]Finding{}
	for _, f := range findings {
		byServer[f.Server] = append(byServer[f.Server], f)
	}
	assert.Len(t, byServer["9bad"], 1)
	assert.Equal(t, LevelError, byServer["9bad"][0].Level)
	assert.Len(t, byServer["missing"], 2)
	assert.Equal(t, LevelWarning, byServer["remote"][0].Level)
	require.Len(t, byServer["ok"], 1)
	assert.Contains(t, byServer["ok"][0].Detail, "duplicate")
}

func TestRedactEnv(t *testing.T) {
	got := RedactEnv(map[string]string{"API_KEY": "x", "REGION": "eu", "github_token": "y"})
	assert.Equal(t, []string{"API_KEY=***REDACTED***", "REGION=eu", "github_token=***REDACTED***"}, got)
}
