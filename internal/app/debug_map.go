package app

import (
	"strings"
	"time"

	"msgrouter/internal/capping"
	"msgrouter/internal/config"
	"msgrouter/internal/eventbus"
	"msgrouter/internal/observability/pprof"
	"msgrouter/internal/provider"
	"msgrouter/internal/runtime/supervisor"
)

// mapDebugConfig converts the debug section. It never starts the listener.
func mapDebugConfig(cfg *config.Config) (pprof.Config, error) {
	dc := cfg.Debug
	readTO, err := config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	idleTO, err := config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 120*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Prefix:               strings.TrimSpace(dc.Prefix),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		ReadTimeout:          readTO,
		IdleTimeout:          idleTO,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}, nil
}

// debugStatus is served by the debug listener.
type debugStatus struct {
	StoreVersion uint64             `json:"store_version"`
	Messages     int                `json:"messages"`
	Providers    []provider.Status  `json:"providers"`
	Goroutines   []supervisor.Stats `json:"goroutines"`
	Schedules    any                `json:"schedules"`

	// Impressions is the lifetime impression count per loaded message.
	Impressions map[string]int    `json:"impressions"`
	Errors      map[string]uint64 `json:"errors"`
}

func (a *App) debugStatus() any {
	snap := a.msgs.Snapshot()
	st := debugStatus{
		StoreVersion: snap.Version,
		Messages:     snap.Len(),
		Providers:    a.reg.Providers(),
		Schedules:    a.sched.Snapshot(),
		Impressions:  make(map[string]int, snap.Len()),
		Errors: map[string]uint64{
			eventbus.TypeProviderFailed: a.rep.Count(eventbus.TypeProviderFailed),
			eventbus.TypeTargetingError: a.rep.Count(eventbus.TypeTargetingError),
		},
	}
	now := a.clock.Now()
	for _, id := range snap.IDs() {
		st.Impressions[id] = a.tracker.Count(capping.MessageKey(id), 0, now)
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	return st
}
