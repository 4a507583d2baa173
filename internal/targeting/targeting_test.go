package targeting

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()
	ctx := MustContext(map[string]any{
		"locale":  "en-US",
		"version": 71,
		"channel": "beta",
		"user": map[string]any{
			"isFirstRun": false,
			"addons":     []string{"ublock", "darkreader"},
		},
		"region":   nil,
		"homepage": "https://example.com/start",
	})
	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"true", true},
		{"false", false},
		{`locale == "en-US"`, true},
		{`locale == 'de'`, false},
		{`locale != "de"`, true},
		{"version >= 70", true},
		{"version < 70", false},
		{"version > 70.5 && version <= 71", true},
		{"version == -1", false},
		{`channel in ["beta", "nightly"]`, true},
		{`channel in ["release"]`, false},
		{`"ublock" in user.addons`, true},
		{`"noscript" in user.addons`, false},
		{`"example.com" in homepage`, true},
		{"user.isFirstRun", false},
		{"!user.isFirstRun", true},
		{"not user.isFirstRun and version > 1", true},
		{"user.isFirstRun or version > 1", true},
		{"(user.isFirstRun || locale == 'fr') && version > 1", false},
		{"region == null", true},
		{"user.addons", true},
		{"version", true},
		{"missing", false},
		{"!missing", true},
		{"missing == null", false},
		{"missing != 1", false},
		{`missing in ["a"]`, false},
		{"missing.deeper > 0", false},
		{`version == "71"`, false},
		{`version != "71"`, true},
		{`version < "80"`, false},
		{`locale < "fr"`, true},
	}
	ev := New(nil)
	for _, tt := range tests {
		if got := ev.Evaluate(tt.expr, ctx); got != tt.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()
	bad := []string{
		"locale ==",
		"(true",
		"true)",
		`"unterminated`,
		"a..b",
		"a.",
		"1 2",
		"[1, [2]]",
		"locale = 'x'",
		"foo(1)",
		"a & b",
		strings.Repeat("(", 100) + "true" + strings.Repeat(")", 100),
		strings.Repeat("x", maxExpressionLen+1),
	}
	for _, expr := range bad {
		if _, err := Compile(expr); !errors.Is(err, ErrSyntax) {
			t.Errorf("Compile(%.40q) error = %v, want ErrSyntax", expr, err)
		}
	}
}

type countingReporter struct {
	mu   sync.Mutex
	keys map[string]int
}

func (r *countingReporter) Once(kind, key string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys == nil {
		r.keys = map[string]int{}
	}
	r.keys[key]++
	return r.keys[key] == 1
}

func TestCheckFailsClosedAndReports(t *testing.T) {
	t.Parallel()
	rep := &countingReporter{}
	ev := New(rep)
	for i := 0; i < 3; i++ {
		if ev.Check("m1", "locale ==", nil) {
			t.Fatal("malformed expression evaluated true")
		}
	}
	if ev.Check("m2", "locale ==", nil) {
		t.Fatal("malformed expression evaluated true")
	}
	if len(rep.keys) != 2 {
		t.Fatalf("reported keys = %v, want one per message", rep.keys)
	}
	if !ev.Check("m3", "true", nil) {
		t.Fatal("valid expression evaluated false")
	}
}

func TestEvaluateDeterministicAndConcurrent(t *testing.T) {
	t.Parallel()
	ev := New(nil)
	ctx := MustContext(map[string]any{"n": 3})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if !ev.Evaluate("n > 2 && n < 4", ctx) {
					t.Error("unexpected false")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestNewContextRejectsUnsupported(t *testing.T) {
	t.Parallel()
	if _, err := NewContext(map[string]any{"f": func() {}}); err == nil {
		t.Fatal("expected error for func value")
	}
	if _, err := NewContext(map[string]any{"l": []any{[]any{1}}}); err == nil {
		t.Fatal("expected error for nested list")
	}
	c, err := NewContext(map[string]any{"a": map[string]any{"b": map[string]any{"c": "x"}}})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if got := c.Lookup("a.b.c"); got.AsString() != "x" {
		t.Fatalf("Lookup(a.b.c) = %v", got)
	}
}
