package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"msgrouter/internal/capping"
	"msgrouter/internal/clock"
	"msgrouter/internal/hub"
	"msgrouter/internal/msgstore"
	"msgrouter/internal/provider"
	"msgrouter/internal/router"
	"msgrouter/internal/storage"
	logx "msgrouter/pkg/logx"
)

type testAPI struct {
	srv   *Server
	coll  *provider.Collections
	prefs storage.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	store := msgstore.New(logx.Nop(), nil)
	reg := provider.NewRegistry(provider.Options{Store: store, Clock: clk})
	coll := provider.NewCollections()
	if err := reg.Register(provider.Provider{ID: "cfr", Enabled: true, Bucket: "cfr", Source: coll}); err != nil {
		t.Fatal(err)
	}
	prefs := storage.NewMemory()
	tr, err := capping.New(capping.Options{Clock: clk, Store: prefs})
	if err != nil {
		t.Fatal(err)
	}
	r, err := router.New(router.Options{Registry: reg, Store: store, Tracker: tr, Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	moments, err := hub.NewMoments(r, prefs, clk, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(Options{Router: r, Hubs: []*hub.Hub{moments}, Prefs: prefs})
	if err != nil {
		t.Fatal(err)
	}
	return &testAPI{srv: srv, coll: coll, prefs: prefs}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(w, req)
	return w
}

func (a *testAPI) publish(t *testing.T, rec string) {
	t.Helper()
	if err := a.coll.Create("cfr", json.RawMessage(rec)); err != nil {
		t.Fatal(err)
	}
	if w := a.do(t, http.MethodPost, "/v1/providers/cfr/refresh", nil); w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body=%s", w.Code, w.Body)
	}
}

func TestMomentsRequestWritesPref(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	a.publish(t, `{"id":"m1","template":"update_action","priority":1,"targeting":"true",
		"trigger":{"id":"momentsUpdate"},"content":{"action":{"id":"moments-wnp","data":{"url":"https://a"}}}}`)

	w := a.do(t, http.MethodPost, "/v1/requests", map[string]any{
		"trigger_id": "momentsUpdate",
		"template":   "update_action",
		"context":    map[string]any{},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	var resp struct {
		Hub        string `json:"hub"`
		Dispatched bool   `json:"dispatched"`
		Message    struct {
			ID string `json:"id"`
		} `json:"message"`
		Effect struct {
			Key   string               `json:"key"`
			Value hub.HomepageOverride `json:"value"`
		} `json:"effect"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Dispatched || resp.Message.ID != "m1" || resp.Effect.Value.URL != "https://a" {
		t.Fatalf("resp = %+v", resp)
	}

	w = a.do(t, http.MethodGet, "/v1/prefs/"+hub.HomepageOverrideKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get pref status = %d", w.Code)
	}
	var pref struct {
		Value hub.HomepageOverride `json:"value"`
	}
	json.Unmarshal(w.Body.Bytes(), &pref)
	if pref.Value.URL != "https://a" {
		t.Fatalf("pref = %s", w.Body)
	}

	if w := a.do(t, http.MethodDelete, "/v1/prefs/"+hub.HomepageOverrideKey, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := a.do(t, http.MethodGet, "/v1/prefs/"+hub.HomepageOverrideKey, nil); w.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", w.Code)
	}
}

func TestPrefRoutesOnlyServeHubKeys(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	ctx := context.Background()
	if err := a.prefs.SetPref(ctx, "app.update.channel", []byte(`"beta"`)); err != nil {
		t.Fatal(err)
	}
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		if w := a.do(t, method, "/v1/prefs/app.update.channel", nil); w.Code != http.StatusNotFound {
			t.Fatalf("%s foreign pref status = %d", method, w.Code)
		}
	}
	if _, ok, _ := a.prefs.GetPref(ctx, "app.update.channel"); !ok {
		t.Fatal("foreign pref cleared through the api")
	}
}

func TestHubRequestMatchesParam(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	a.publish(t, `{"id":"site","template":"update_action","targeting":"true",
		"trigger":{"id":"openURL","params":["example.com"]},
		"content":{"action":{"id":"moments-wnp","data":{"url":"https://site"}}}}`)

	tests := []struct {
		param string
		want  bool
	}{
		{"other.org", false},
		{"example.com", true},
	}
	for _, tt := range tests {
		w := a.do(t, http.MethodPost, "/v1/requests", map[string]any{
			"trigger_id": "openURL",
			"template":   "update_action",
			"param":      tt.param,
		})
		var resp struct {
			Dispatched bool `json:"dispatched"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || w.Code != http.StatusOK {
			t.Fatalf("%s: status=%d err=%v", tt.param, w.Code, err)
		}
		if resp.Dispatched != tt.want {
			t.Fatalf("%s: dispatched = %v, want %v", tt.param, resp.Dispatched, tt.want)
		}
	}
}

func TestRenderedTemplateAndImpression(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	a.publish(t, `{"id":"panel","template":"whatsnew_panel_message","frequency":{"lifetime":1},
		"trigger":{"id":"whatsNewPanelOpened"},"content":{"title":"New"}}`)

	req := map[string]any{"trigger_id": "whatsNewPanelOpened", "template": "whatsnew_panel_message"}
	w := a.do(t, http.MethodPost, "/v1/requests", req)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"id":"panel"`)) {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	if w := a.do(t, http.MethodPost, "/v1/impressions", map[string]string{"message_id": "panel"}); w.Code != http.StatusCreated {
		t.Fatalf("impression status = %d body=%s", w.Code, w.Body)
	}
	w = a.do(t, http.MethodPost, "/v1/requests", req)
	if !bytes.Contains(w.Body.Bytes(), []byte(`"message":null`)) {
		t.Fatalf("capped message still returned: %s", w.Body)
	}
	if w := a.do(t, http.MethodPost, "/v1/impressions", map[string]string{"message_id": "nope"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown impression status = %d", w.Code)
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing trigger", http.MethodPost, "/v1/requests", map[string]any{"template": "update_action"}, http.StatusBadRequest},
		{"unsupported context", http.MethodPost, "/v1/requests", map[string]any{"trigger_id": "x", "context": map[string]any{"l": []any{[]any{1}}}}, http.StatusBadRequest},
		{"missing message id", http.MethodPost, "/v1/impressions", map[string]any{}, http.StatusBadRequest},
		{"unknown provider", http.MethodPost, "/v1/providers/nope/refresh", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := a.do(t, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Fatalf("status = %d, want %d body=%s", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestListingsAndHealth(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	a.publish(t, `{"id":"m1","template":"update_action","trigger":{"id":"momentsUpdate"},
		"content":{"action":{"id":"moments-wnp","data":{"url":"https://a"}}}}`)
	for _, path := range []string{"/v1/messages", "/v1/providers", "/v1/schedules", "/healthz"} {
		w := a.do(t, http.MethodGet, path, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, w.Code)
		}
	}
	w := a.do(t, http.MethodGet, "/v1/messages", nil)
	var resp struct {
		Messages []struct {
			ID       string `json:"id"`
			Provider string `json:"provider"`
		} `json:"messages"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Messages) != 1 || resp.Messages[0].Provider != "cfr" {
		t.Fatalf("messages = %s", w.Body)
	}
}

func TestListenAndShutdown(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	if err := a.srv.Listen(Config{Addr: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	resp, err := http.Get("http://" + a.srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
