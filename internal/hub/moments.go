package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"msgrouter/internal/clock"
	"msgrouter/internal/eventbus"
	"msgrouter/internal/message"
	"msgrouter/internal/router"
	logx "msgrouter/pkg/logx"
)

const (
	// MomentsAction replaces the homepage once, on next startup.
	MomentsAction = "moments-wnp"
	// HomepageOverrideKey holds the pending homepage override.
	HomepageOverrideKey = "browser.startup.homepage_override.once"

	defaultExpireDays = 7
)

// HomepageOverride is the value written under HomepageOverrideKey.
type HomepageOverride struct {
	MessageID string `json:"message_id"`
	URL       string `json:"url"`
	// Expire is in Unix milliseconds.
	Expire int64 `json:"expire"`
}

// MomentsExecutor writes the homepage override for moments-wnp actions.
func MomentsExecutor(prefs PrefStore) Executor {
	return ExecutorFunc(func(ctx context.Context, m message.Message, a message.Action, now time.Time) (Effect, error) {
		if a.Data.URL == "" {
			return Effect{}, errors.New("moments action requires a url")
		}
		expire := a.Data.Expire
		if expire == 0 {
			days := a.Data.ExpireDelta
			if days <= 0 {
				days = defaultExpireDays
			}
			expire = now.Add(time.Duration(days) * message.Day).UnixMilli()
		}
		b, err := json.Marshal(HomepageOverride{MessageID: m.ID, URL: a.Data.URL, Expire: expire})
		if err != nil {
			return Effect{}, err
		}
		if err := prefs.SetPref(ctx, HomepageOverrideKey, b); err != nil {
			return Effect{}, fmt.Errorf("set %s: %w", HomepageOverrideKey, err)
		}
		return Effect{Key: HomepageOverrideKey, Value: b}, nil
	})
}

// NewMoments returns the hub for update_action messages with the
// moments-wnp executor registered.
func NewMoments(r *router.Router, prefs PrefStore, clk clock.Clock, bus eventbus.Bus, log logx.Logger) (*Hub, error) {
	h, err := New(Options{
		Name:     "moments",
		Template: message.TemplateUpdateAction,
		Keys:     []string{HomepageOverrideKey},
		Router:   r,
		Prefs:    prefs,
		Clock:    clk,
		Bus:      bus,
		Log:      log,
	})
	if err != nil {
		return nil, err
	}
	h.Handle(MomentsAction, MomentsExecutor(prefs))
	return h, nil
}

// PendingOverride reads the current homepage override, if any.
func PendingOverride(ctx context.Context, prefs PrefStore) (HomepageOverride, bool, error) {
	b, ok, err := prefs.GetPref(ctx, HomepageOverrideKey)
	if err != nil || !ok {
		return HomepageOverride{}, false, err
	}
	var v HomepageOverride
	if err := json.Unmarshal(b, &v); err != nil {
		return HomepageOverride{}, false, fmt.Errorf("decode %s: %w", HomepageOverrideKey, err)
	}
	return v, true, nil
}
