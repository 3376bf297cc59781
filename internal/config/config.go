// Package config loads daemon settings from an optional HuJSON file,
// then applies SYNCD_* environment overrides on top.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

type Config struct {
	RemoteURL      string `json:"remote_url"`
	ListenAddr     string `json:"listen_addr"`
	DBPath         string `json:"db_path"`
	SessionFile    string `json:"session_file"`
	SyncSeconds    int    `json:"sync_seconds"`
	RequestSeconds int    `json:"request_seconds"`
	DashboardList  string `json:"dashboard_list"`
	DashboardLimit int    `json:"dashboard_limit"`
}

func Default() Config {
	return Config{
		RemoteURL:      "http://localhost:3000",
		ListenAddr:     "127.0.0.1:7066",
		DBPath:         "syncd.db",
		SessionFile:    "session.json",
		SyncSeconds:    60,
		RequestSeconds: 15,
		DashboardList:  "home",
		DashboardLimit: 8,
	}
}

// Load reads path (HuJSON: comments and trailing commas allowed) over
// the defaults, then the environment over both. A missing file is not
// an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Defaults + env only.
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		if err := json.Unmarshal(standardized, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	cfg = fromEnv(cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncSeconds) * time.Second
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestSeconds) * time.Second
}

func (c Config) validate() error {
	if strings.TrimSpace(c.RemoteURL) == "" {
		return errors.New("config: remote_url is required")
	}
	if c.SyncSeconds <= 0 {
		return errors.New("config: sync_seconds must be positive")
	}
	if c.RequestSeconds <= 0 {
		return errors.New("config: request_seconds must be positive")
	}
	if c.DashboardLimit <= 0 {
		return errors.New("config: dashboard_limit must be positive")
	}
	return nil
}

func fromEnv(base Config) Config {
	cfg := base
	if v, ok := getEnvString("SYNCD_REMOTE_URL"); ok {
		cfg.RemoteURL = v
	}
	if v, ok := getEnvString("SYNCD_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := getEnvString("SYNCD_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := getEnvString("SYNCD_SESSION_FILE"); ok {
		cfg.SessionFile = v
	}
	if v, ok := getEnvInt("SYNCD_SYNC_SECONDS"); ok && v > 0 {
		cfg.SyncSeconds = v
	}
	if v, ok := getEnvInt("SYNCD_REQUEST_SECONDS"); ok && v > 0 {
		cfg.RequestSeconds = v
	}
	if v, ok := getEnvString("SYNCD_DASHBOARD_LIST"); ok {
		cfg.DashboardList = v
	}
	if v, ok := getEnvInt("SYNCD_DASHBOARD_LIMIT"); ok && v > 0 {
		cfg.DashboardLimit = v
	}
	return cfg
}

func getEnvString(name string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", false
	}
	return raw, true
}

func getEnvInt(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
