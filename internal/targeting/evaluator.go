// Package targeting evaluates message targeting expressions.
//
// The language is a small boolean grammar over a flat, typed context:
//
//	locale == "en-US" && (version >= 70 || channel in ["beta", "nightly"])
//
// Attribute paths are looked up verbatim in the Context; a missing attribute
// is absent, and any comparison involving an absent value is false. Nothing
// in an expression can call back into the host or mutate state.
package targeting

import (
	"sync"

	"msgrouter/internal/eventbus"
)

// Reporter receives compile failures. *report.Reporter satisfies it.
type Reporter interface {
	Once(kind, key string, err error) bool
}

type Evaluator struct {
	rep Reporter

	mu    sync.RWMutex
	cache map[string]compiled
	limit int
}

type compiled struct {
	prog *Program
	err  error
}

const defaultCacheSize = 4096

// New returns an Evaluator. rep may be nil.
func New(rep Reporter) *Evaluator {
	return &Evaluator{rep: rep, cache: map[string]compiled{}, limit: defaultCacheSize}
}

// Compile returns the cached program for expr, compiling it on first use.
// Failed compilations are cached too.
func (e *Evaluator) Compile(expr string) (*Program, error) {
	e.mu.RLock()
	c, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return c.prog, c.err
	}
	prog, err := Compile(expr)
	e.mu.Lock()
	if len(e.cache) >= e.limit {
		// Expressions come from a bounded set of loaded messages; a full
		// cache means they churned, so start over.
		clear(e.cache)
	}
	e.cache[expr] = compiled{prog: prog, err: err}
	e.mu.Unlock()
	return prog, err
}

// Evaluate reports whether expr holds for c. Malformed expressions are false.
func (e *Evaluator) Evaluate(expr string, c Context) bool {
	prog, err := e.Compile(expr)
	if err != nil {
		return false
	}
	return prog.Eval(c)
}

// Check is Evaluate for a message's targeting. A malformed expression is
// reported once per (messageID, expr).
func (e *Evaluator) Check(messageID, expr string, c Context) bool {
	prog, err := e.Compile(expr)
	if err != nil {
		if e.rep != nil {
			e.rep.Once(eventbus.TypeTargetingError, messageID+"\x00"+expr, err)
		}
		return false
	}
	return prog.Eval(c)
}
