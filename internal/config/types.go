package config

import (
	"bytes"
	"encoding/json"

	"msgrouter/internal/message"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Router    RouterConfig    `json:"router"`
	Scheduler SchedulerConfig `json:"scheduler"`
	HTTP      HTTPConfig      `json:"http"`
	Export    ExportConfig    `json:"export"`
	Sources   SourcesConfig   `json:"sources"`
	Debug     DebugConfig     `json:"debug"`

	Providers []ProviderConfig `json:"providers"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls where impressions and hub effects are persisted.
// If the whole section is omitted, the in-memory driver is used.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./msgrouter.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"` // redis (do not log)
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	Namespace   string `json:"namespace,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// RouterConfig controls selection and cap accounting.
//
// Defaults (when fields are omitted/zero):
//   - impression_retention: "168h"
//   - node_id: 1
type RouterConfig struct {
	// ImpressionRetention is the minimum age of impressions kept when pruning.
	ImpressionRetention string `json:"impression_retention,omitempty"`
	// NodeID seeds snowflake impression ids; unique per instance sharing storage.
	NodeID int64 `json:"node_id,omitempty"`
}

// SchedulerConfig controls periodic provider refresh.
//
// Providers with updateCycleInMs > 0 refresh on their own cycle; providers
// with updateCycleInMs == 0 refresh every Sweep (default "1m").
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Sweep    string `json:"sweep,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// HTTPConfig controls the trigger API.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
}

// DebugConfig controls the pprof/status listener. A non-loopback addr
// requires token unless allow_insecure is set.
type DebugConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix               string `json:"prefix,omitempty"` // default "/debug/pprof/"
	Token                string `json:"token,omitempty"`  // do not log
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	ReadTimeout          string `json:"read_timeout,omitempty"`
	IdleTimeout          string `json:"idle_timeout,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}

type ExportConfig struct {
	NSQ NSQConfig `json:"nsq"`
}

// NSQConfig forwards dispatch and impression events to an NSQ topic.
type NSQConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // nsqd TCP address, default "127.0.0.1:4150"
	Topic   string `json:"topic,omitempty"` // default "msgrouter.events"
}

// SourcesConfig configures the backends remote-collection providers read from.
type SourcesConfig struct {
	S3    *S3SourceConfig    `json:"s3,omitempty"`
	Redis *RedisSourceConfig `json:"redis,omitempty"`
}

type S3SourceConfig struct {
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint,omitempty"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`     // do not log
	SecretAccessKey string `json:"secret_access_key,omitempty"` // do not log
	UsePathStyle    bool   `json:"use_path_style,omitempty"`
}

type RedisSourceConfig struct {
	URL       string `json:"url"` // do not log
	Namespace string `json:"namespace,omitempty"`
}

// ProviderConfig is one message provider.
//
//	{"id":"cfr","enabled":true,"type":"remote-settings","bucket":"cfr",
//	 "frequency":{"custom":[{"period":"daily","cap":200}]},
//	 "categories":["cfrAddons","cfrFeatures"],"updateCycleInMs":0}
type ProviderConfig struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	// Type is "local" or "remote-collection" ("remote-settings" is accepted).
	Type string `json:"type"`
	// Backend selects the remote source: "memory", "s3" or "redis".
	Backend string `json:"backend,omitempty"`
	Bucket  string `json:"bucket,omitempty"`

	// Messages are inline records for local providers.
	Messages []json.RawMessage `json:"messages,omitempty"`
	// Path is a YAML or JSON file of records for local providers.
	Path string `json:"path,omitempty"`

	Frequency       *message.FrequencyCap `json:"frequency,omitempty"`
	Categories      []string              `json:"categories,omitempty"`
	UpdateCycleInMs int64                 `json:"updateCycleInMs"`
}

// UnmarshalJSON disallows unknown fields so misspelled provider options are
// caught on reload instead of silently ignored.
func (p *ProviderConfig) UnmarshalJSON(b []byte) error {
	type plain ProviderConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = ProviderConfig(t)
	return nil
}
