package app

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	envConfigPath = "PROPSYNC_CONFIG_PATH"
	envHome       = "PROPSYNC_HOME"
)

// Paths locates propsync's config file and the data directory the caches,
// outboxes and logs live under.
type Paths struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// ResolvePaths works out where propsync keeps its files. The config file is
// taken from configFlag, then $PROPSYNC_CONFIG_PATH, then
// ~/.config/propsync.toml. The data directory is $PROPSYNC_HOME or
// ~/.local/share/propsync.
func ResolvePaths(configFlag string) (Paths, error) {
	var p Paths

	configPath, err := firstOf(configFlag, os.Getenv(envConfigPath), ".config", "propsync.toml")
	if err != nil {
		return p, err
	}
	baseDir, err := firstOf("", os.Getenv(envHome), ".local", "share", "propsync")
	if err != nil {
		return p, err
	}

	p.ConfigPath = configPath
	p.BaseDir = baseDir
	p.LogDir = filepath.Join(baseDir, "log")
	return p, nil
}

// firstOf returns the first non-empty override, or homeRel joined onto the
// user's home directory.
func firstOf(flag, env string, homeRel ...string) (string, error) {
	switch {
	case flag != "":
		return flag, nil
	case env != "":
		return env, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, homeRel...)...), nil
}
