package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references with environment values. A bare $
// is left alone so URLs and expressions containing it survive.
func expandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Provider types.
const (
	ProviderLocal  = "local"
	ProviderRemote = "remote-collection"
)

// NormalizeProviderType maps accepted aliases onto the canonical type names.
func NormalizeProviderType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "local", "static":
		return ProviderLocal
	case "remote-collection", "remote-settings", "remote":
		return ProviderRemote
	default:
		return strings.ToLower(strings.TrimSpace(t))
	}
}

// Validate checks cross-field constraints the decoder cannot express.
func (c *Config) Validate() error {
	var errs []error
	seen := map[string]struct{}{}
	for i, p := range c.Providers {
		path := fmt.Sprintf("providers[%d]", i)
		id := strings.TrimSpace(p.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", path))
			continue
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate provider id %q", path, id))
		}
		seen[id] = struct{}{}
		if p.UpdateCycleInMs < 0 {
			errs = append(errs, fmt.Errorf("%s.updateCycleInMs must be >= 0", path))
		}
		if err := p.Frequency.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s.frequency: %w", path, err))
		}
		switch NormalizeProviderType(p.Type) {
		case ProviderLocal:
			if len(p.Messages) > 0 && strings.TrimSpace(p.Path) != "" {
				errs = append(errs, fmt.Errorf("%s: messages and path are mutually exclusive", path))
			}
		case ProviderRemote:
			switch b := strings.ToLower(strings.TrimSpace(p.Backend)); b {
			case "", "memory":
			case "s3":
				if c.Sources.S3 == nil {
					errs = append(errs, fmt.Errorf("%s: backend s3 requires sources.s3", path))
				}
			case "redis":
				if c.Sources.Redis == nil {
					errs = append(errs, fmt.Errorf("%s: backend redis requires sources.redis", path))
				}
			default:
				errs = append(errs, fmt.Errorf("%s: unknown backend %q", path, b))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown type %q", path, p.Type))
		}
	}
	if _, err := ParseDurationField("router.impression_retention", c.Router.ImpressionRetention); err != nil {
		errs = append(errs, err)
	}
	if c.Router.NodeID < 0 || c.Router.NodeID > 1023 {
		errs = append(errs, errors.New("router.node_id must be within 0..1023"))
	}
	if _, err := ParseDurationField("scheduler.sweep", c.Scheduler.Sweep); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("debug.read_timeout", c.Debug.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("debug.idle_timeout", c.Debug.IdleTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Debug.MutexProfileFraction < 0 || c.Debug.BlockProfileRate < 0 {
		errs = append(errs, errors.New("debug profile rates must be >= 0"))
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
