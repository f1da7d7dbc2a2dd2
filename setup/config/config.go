// Package config loads and validates the bridge configuration. A yaml
// file provides defaults; environment variables override it so
// container deployments need no file at all. Missing required values
// fail startup before any component runs.
package config

import (
	"fmt"
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v2"
)

// ConfigErrors collects every problem found during Verify so the
// operator sees all of them at once.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// BridgeConfig is the root configuration.
type BridgeConfig struct {
	Global  Global  `yaml:"global"`
	Discord Discord `yaml:"discord"`
	Leaf    Leaf    `yaml:"leaf"`
	ATProto ATProto `yaml:"atproto"`
}

type Global struct {
	// DataDir holds the KV database and the embedded JetStream store.
	DataDir string `yaml:"data_dir"`
	// TracingEndpoint, when set, enables span export.
	TracingEndpoint string `yaml:"tracing_endpoint"`
	SentryDSN       string `yaml:"sentry_dsn"`
	// MetricsAddr, when set, serves Prometheus metrics on that address.
	MetricsAddr string `yaml:"metrics_addr"`
	// BackfillConcurrency bounds the per-guild channel backfill fan-out.
	BackfillConcurrency int `yaml:"backfill_concurrency"`
	// BatchThreshold is the event batcher flush threshold.
	BatchThreshold int `yaml:"batch_threshold"`
}

type Discord struct {
	Token string `yaml:"token"`
}

type Leaf struct {
	URL       string `yaml:"url"`
	ServerDid string `yaml:"server_did"`
}

type ATProto struct {
	PDSBase     string `yaml:"pds_base"`
	BridgeDid   string `yaml:"bridge_did"`
	AppPassword string `yaml:"app_password"`
}

func (c *BridgeConfig) Defaults() {
	c.Global.DataDir = "./data"
	c.Global.BackfillConcurrency = 5
	c.Global.BatchThreshold = 50
}

func (c *BridgeConfig) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "discord.token", c.Discord.Token)
	checkNotEmpty(configErrs, "leaf.url", c.Leaf.URL)
	checkNotEmpty(configErrs, "leaf.server_did", c.Leaf.ServerDid)
	checkNotEmpty(configErrs, "global.data_dir", c.Global.DataDir)
	if c.Global.BackfillConcurrency <= 0 {
		configErrs.Add("global.backfill_concurrency must be positive")
	}
	if c.Global.BatchThreshold <= 0 {
		configErrs.Add("global.batch_threshold must be positive")
	}
}

// applyEnv overlays the well-known environment variables.
func (c *BridgeConfig) applyEnv() {
	setIfPresent := func(dst *string, key string) {
		if value := os.Getenv(key); value != "" {
			*dst = value
		}
	}
	setIfPresent(&c.Discord.Token, "DISCORD_TOKEN")
	setIfPresent(&c.Global.DataDir, "DATA_DIR")
	setIfPresent(&c.Leaf.URL, "LEAF_URL")
	setIfPresent(&c.Leaf.ServerDid, "LEAF_SERVER_DID")
	setIfPresent(&c.ATProto.BridgeDid, "ATPROTO_BRIDGE_DID")
	setIfPresent(&c.ATProto.AppPassword, "ATPROTO_BRIDGE_APP_PASSWORD")
	setIfPresent(&c.Global.TracingEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setIfPresent(&c.Global.SentryDSN, "SENTRY_DSN")
	setIfPresent(&c.Global.MetricsAddr, "METRICS_ADDR")
	if value := os.Getenv("BACKFILL_CONCURRENCY"); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			c.Global.BackfillConcurrency = n
		}
	}
}

// Load reads the optional yaml file at path, overlays the environment
// and validates. An empty path skips the file.
func Load(path string) (*BridgeConfig, error) {
	cfg := &BridgeConfig{}
	cfg.Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return cfg, nil
}
