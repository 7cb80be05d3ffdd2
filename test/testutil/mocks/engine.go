package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/kumulus/kumulus-agent/pkg/executor"
)

// Call records one command seen by the fake engine
type Call struct {
	Name string
	Args []string
}

// Line returns the full command line of the call
func (c Call) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// HandlerFunc produces the scripted result for a command
type HandlerFunc func(name string, args []string) executor.Result

type rule struct {
	prefix  string
	handler HandlerFunc
}

// Engine is a scripted executor.Runner. Commands are matched against
// registered command-line prefixes; the longest matching prefix wins and
// unmatched commands succeed with empty output.
type Engine struct {
	mu    sync.Mutex
	rules []rule
	calls []Call
}

// NewEngine creates a fake engine where every command succeeds
func NewEngine() *Engine {
	return &Engine{}
}

// Handle registers fn for commands whose line starts with prefix
func (e *Engine) Handle(prefix string, fn HandlerFunc) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule{prefix: prefix, handler: fn})
	return e
}

// Respond registers a fixed result for commands starting with prefix
func (e *Engine) Respond(prefix string, result executor.Result) *Engine {
	return e.Handle(prefix, func(string, []string) executor.Result {
		return result
	})
}

// Fail makes commands starting with prefix exit with code and stderr
func (e *Engine) Fail(prefix string, code int, stderr string) *Engine {
	return e.Respond(prefix, executor.Result{ExitCode: code, Stderr: stderr})
}

// Run implements executor.Runner
func (e *Engine) Run(ctx context.Context, name string, args ...string) executor.Result {
	call := Call{Name: name, Args: append([]string(nil), args...)}
	line := call.Line()

	e.mu.Lock()
	e.calls = append(e.calls, call)
	var match *rule
	for i := range e.rules {
		r := &e.rules[i]
		if strings.HasPrefix(line, r.prefix) && (match == nil || len(r.prefix) >= len(match.prefix)) {
			match = r
		}
	}
	e.mu.Unlock()

	if match == nil {
		return executor.Result{}
	}
	return match.handler(name, args)
}

// Calls returns every command seen so far
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallsTo returns the commands whose line starts with prefix
func (e *Engine) CallsTo(prefix string) []Call {
	var out []Call
	for _, c := range e.Calls() {
		if strings.HasPrefix(c.Line(), prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls but keeps the rules
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}
