package config

import (
	"reflect"
	"sort"
	"strings"

	logx "msgrouter/pkg/logx"
)

// ProviderDiff lists provider ids by how they changed between two configs.
type ProviderDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d ProviderDiff) Empty() bool {
	return len(d.Added)+len(d.Removed)+len(d.Changed) == 0
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like DSNs
// or keys), and (3) the per-provider diff.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, ProviderDiff) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log url/dsn)
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.url_set", strings.TrimSpace(nS.URL) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if oldCfg.Router != newCfg.Router {
		changed = append(changed, "router")
		attrs = append(attrs,
			logx.String("router.impression_retention", strings.TrimSpace(newCfg.Router.ImpressionRetention)),
			logx.Int64("router.node_id", newCfg.Router.NodeID),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.sweep", strings.TrimSpace(newCfg.Scheduler.Sweep)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	if oldCfg.Export != newCfg.Export {
		changed = append(changed, "export")
		attrs = append(attrs,
			logx.Bool("export.nsq.enabled", newCfg.Export.NSQ.Enabled),
			logx.String("export.nsq.topic", strings.TrimSpace(newCfg.Export.NSQ.Topic)),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		changed = append(changed, "sources")
		attrs = append(attrs,
			logx.Bool("sources.s3", newCfg.Sources.S3 != nil),
			logx.Bool("sources.redis", newCfg.Sources.Redis != nil),
		)
	}

	pd := DiffProviders(oldCfg.Providers, newCfg.Providers)
	if !pd.Empty() {
		changed = append(changed, "providers")
		attrs = append(attrs,
			logx.Strings("providers.added", pd.Added),
			logx.Strings("providers.removed", pd.Removed),
			logx.Strings("providers.changed", pd.Changed),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pd
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// DiffProviders compares provider lists by id. Disabling a provider counts
// as a change, not a removal.
func DiffProviders(oldP, newP []ProviderConfig) ProviderDiff {
	oldM := make(map[string]uint64, len(oldP))
	for _, p := range oldP {
		oldM[strings.TrimSpace(p.ID)] = HashProvider(p)
	}
	newM := make(map[string]uint64, len(newP))
	for _, p := range newP {
		newM[strings.TrimSpace(p.ID)] = HashProvider(p)
	}

	var d ProviderDiff
	for id, h := range newM {
		oh, ok := oldM[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case oh != h:
			d.Changed = append(d.Changed, id)
		}
	}
	for id := range oldM {
		if _, ok := newM[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}
