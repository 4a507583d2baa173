// Package provider owns the configured message providers and moves their
// records into the message store.
//
// A provider is either local (inline records or a YAML/JSON file) or a
// remote collection served by a Source backend (memory, S3 or Redis).
// Refreshes honor the provider's update cycle, coalesce when concurrent,
// and never leave the store torn: a failed fetch keeps the previous snapshot.
package provider

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"msgrouter/internal/config"
	"msgrouter/internal/message"
)

type Provider struct {
	ID      string
	Enabled bool
	Type    string // config.ProviderLocal or config.ProviderRemote
	Bucket  string

	// Frequency caps every category the provider's messages belong to.
	Frequency  *message.FrequencyCap
	Categories []string
	// UpdateCycle of 0 means always refresh, never serve from cache.
	UpdateCycle time.Duration

	Source Source
}

// Sources are the remote backends available to remote-collection providers.
type Sources struct {
	Memory *Collections
	S3     *S3Source
	Redis  *RedisSource
}

// FromConfig resolves a provider config against the available sources.
func FromConfig(pc config.ProviderConfig, src Sources) (Provider, error) {
	p := Provider{
		ID:          strings.TrimSpace(pc.ID),
		Enabled:     pc.Enabled,
		Type:        config.NormalizeProviderType(pc.Type),
		Bucket:      strings.TrimSpace(pc.Bucket),
		Frequency:   pc.Frequency,
		Categories:  slices.Clone(pc.Categories),
		UpdateCycle: time.Duration(pc.UpdateCycleInMs) * time.Millisecond,
	}
	if p.ID == "" {
		return Provider{}, fmt.Errorf("provider id is required")
	}
	if p.Bucket == "" {
		p.Bucket = p.ID
	}
	switch p.Type {
	case config.ProviderLocal:
		if strings.TrimSpace(pc.Path) != "" {
			p.Source = NewFileSource(pc.Path)
		} else {
			p.Source = NewStaticSource(pc.Messages)
		}
	case config.ProviderRemote:
		switch backend := strings.ToLower(strings.TrimSpace(pc.Backend)); backend {
		case "", "memory":
			if src.Memory != nil {
				p.Source = src.Memory
			}
		case "s3":
			if src.S3 != nil {
				p.Source = src.S3
			}
		case "redis":
			if src.Redis != nil {
				p.Source = src.Redis
			}
		default:
			return Provider{}, fmt.Errorf("provider %s: unknown backend %q", p.ID, backend)
		}
		if p.Source == nil {
			return Provider{}, fmt.Errorf("provider %s: %w for backend %q", p.ID, ErrNoSource, pc.Backend)
		}
	default:
		return Provider{}, fmt.Errorf("provider %s: unknown type %q", p.ID, pc.Type)
	}
	return p, nil
}
