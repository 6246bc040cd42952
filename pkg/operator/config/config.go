// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the operator's [operator] INI section, the Go
// realization of the reference implementation's configparser-based
// config.py, with KUROBOROS_* environment variables layered on top of any
// value the file provides (the original's auto_envvar_prefix behavior).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

const (
	envVarPrefix    = "KUROBOROS_"
	configPathEnv   = "KUROBOROS_CONFIG"
	defaultConfPath = "operator.conf"
	namespaceFile   = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
)

// Config mirrors the [operator] section of operator.conf.
type Config struct {
	Name                  string
	PendingRemoveInterval time.Duration
	MetricsUpdateInterval time.Duration
	MetricsPort           int
	WebhookPort           int
	CASelfSign            bool
	LeaderAcquireInterval time.Duration
}

func defaults() Config {
	return Config{
		Name:                  "kuroboros-operator",
		PendingRemoveInterval: 5 * time.Second,
		MetricsUpdateInterval: 5 * time.Second,
		MetricsPort:           8080,
		WebhookPort:           443,
		CASelfSign:            false,
		LeaderAcquireInterval: 10 * time.Second,
	}
}

// Load reads the INI file named by KUROBOROS_CONFIG (default
// "operator.conf"), applies KUROBOROS_* environment overrides on top, and
// returns the resolved Config. A missing file is not an error: the built-in
// defaults apply, matching configparser's ConfigParser().read() returning an
// empty parser for a nonexistent path.
func Load() (Config, error) {
	cfg := defaults()

	path := os.Getenv(configPathEnv)
	if path == "" {
		path = defaultConfPath
	}

	if _, err := os.Stat(path); err == nil {
		file, err := ini.Load(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "load config file %q", path)
		}
		applySection(&cfg, file.Section("operator"))
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applySection(cfg *Config, sec *ini.Section) {
	if sec.HasKey("name") {
		cfg.Name = sec.Key("name").String()
	}
	if sec.HasKey("pending_remove_interval_seconds") {
		cfg.PendingRemoveInterval = secondsOrDefault(sec.Key("pending_remove_interval_seconds").String(), cfg.PendingRemoveInterval)
	}
	if sec.HasKey("metrics_update_interval_seconds") {
		cfg.MetricsUpdateInterval = secondsOrDefault(sec.Key("metrics_update_interval_seconds").String(), cfg.MetricsUpdateInterval)
	}
	if sec.HasKey("metrics_port") {
		if v, err := sec.Key("metrics_port").Int(); err == nil {
			cfg.MetricsPort = v
		}
	}
	if sec.HasKey("webhook_port") {
		if v, err := sec.Key("webhook_port").Int(); err == nil {
			cfg.WebhookPort = v
		}
	}
	if sec.HasKey("ca_self_sign") {
		if v, err := sec.Key("ca_self_sign").Bool(); err == nil {
			cfg.CASelfSign = v
		}
	}
	if sec.HasKey("leader_acquire_interval_seconds") {
		cfg.LeaderAcquireInterval = secondsOrDefault(sec.Key("leader_acquire_interval_seconds").String(), cfg.LeaderAcquireInterval)
	}
}

// applyEnvOverrides replicates auto_envvar_prefix=KUROBOROS: any
// KUROBOROS_<FLAG_NAME> environment variable overrides the corresponding
// config value, taking precedence over the INI file.
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("NAME"); ok {
		cfg.Name = v
	}
	if v, ok := lookupEnv("PENDING_REMOVE_INTERVAL_SECONDS"); ok {
		cfg.PendingRemoveInterval = secondsOrDefault(v, cfg.PendingRemoveInterval)
	}
	if v, ok := lookupEnv("METRICS_UPDATE_INTERVAL_SECONDS"); ok {
		cfg.MetricsUpdateInterval = secondsOrDefault(v, cfg.MetricsUpdateInterval)
	}
	if v, ok := lookupEnv("METRICS_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = n
		}
	}
	if v, ok := lookupEnv("WEBHOOK_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WebhookPort = n
		}
	}
	if v, ok := lookupEnv("CA_SELF_SIGN"); ok {
		cfg.CASelfSign = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := lookupEnv("LEADER_ACQUIRE_INTERVAL_SECONDS"); ok {
		cfg.LeaderAcquireInterval = secondsOrDefault(v, cfg.LeaderAcquireInterval)
	}
}

func lookupEnv(suffix string) (string, bool) {
	v, ok := os.LookupEnv(envVarPrefix + suffix)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func secondsOrDefault(raw string, fallback time.Duration) time.Duration {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}

// Namespace reads the in-cluster service account namespace file, falling
// back to "default" if it is absent — matching config.py's bare except.
func Namespace() string {
	b, err := os.ReadFile(namespaceFile)
	if err != nil {
		return "default"
	}
	return strings.TrimSpace(string(b))
}
