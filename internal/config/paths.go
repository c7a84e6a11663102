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
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// EnvConfig overrides the descriptor file location.
	EnvConfig = "TOOLHOST_CONFIG"

	// EnvLegacyConfig is honoured for files written for the older MCP tooling.
	EnvLegacyConfig = "MCP_CONFIG_PATH"

	// LegacyFileName is picked up from the working directory when present.
	LegacyFileName = "mcp.json"

	// FileName is the default file inside ConfigDir.
	FileName = "servers.yaml"

	appName = "toolhost"
)

// ConfigDir returns the XDG config directory for toolhost.
// Respects XDG_CONFIG_HOME, otherwise ~/.config/toolhost on every platform.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

// StateDir returns the directory for the exchange journal.
// Respects XDG_STATE_HOME, otherwise ~/.local/state/toolhost.
func StateDir() (string, error) {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", appName), nil
}

// ResolvePath picks the descriptor file. In order: the explicit flag value,
// $TOOLHOST_CONFIG, $MCP_CONFIG_PATH, ./mcp.json when it exists, and finally
// servers.yaml under ConfigDir.
func ResolvePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	for _, env := range []string{EnvConfig, EnvLegacyConfig} {
		if p := os.Getenv(env); p != "" {
			return p, nil
		}
	}
	if _, err := os.Stat(LegacyFileName); err == nil {
		return LegacyFileName, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}
