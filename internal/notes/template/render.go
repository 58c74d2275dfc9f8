// Package template expands {{expr}} placeholders in note content.
//
// Rendering never fails: tokens that cannot be resolved are left in place so
// a broken placeholder does not block a scheduled broadcast.
package template

import (
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"hookbot/pkg/logx"
)

var tokenRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Renderer expands placeholders against a variable bag plus built-ins.
//
// Built-ins: date, time, datetime, timestamp and a per-note invocation
// counter. The counter is process-local and resets on restart.
type Renderer struct {
	log logx.Logger
	now func() time.Time

	mu       sync.Mutex
	counters map[string]int64
}

func NewRenderer(log logx.Logger) *Renderer {
	return &Renderer{
		log:      log,
		now:      time.Now,
		counters: map[string]int64{},
	}
}

// SetClock overrides the time source (tests).
func (r *Renderer) SetClock(now func() time.Time) { r.now = now }

// Render expands every {{expr}} token in tmpl. Unresolvable tokens are left
// untouched and logged at debug level.
func (r *Renderer) Render(noteID, tmpl string, vars map[string]any) string {
	return tokenRe.ReplaceAllStringFunc(tmpl, func(tok string) string {
		expr := strings.TrimSpace(tok[2 : len(tok)-2])
		if expr == "" {
			return tok
		}
		out, ok := r.resolve(noteID, expr, vars)
		if !ok {
			r.log.Debug("template token unresolved", logx.String("note", noteID), logx.String("expr", expr))
			return tok
		}
		return out
	})
}

// ResetCounter clears the invocation counter for a note id.
func (r *Renderer) ResetCounter(noteID string) {
	r.mu.Lock()
	delete(r.counters, noteID)
	r.mu.Unlock()
}

func (r *Renderer) resolve(noteID, expr string, vars map[string]any) (string, bool) {
	// Function-call mini-syntax: name(args).
	if name, args, ok := splitCall(expr); ok {
		return r.callBuiltin(name, args, vars)
	}

	// Process environment escape hatch. Operational visibility only, not a
	// security boundary.
	if rest, ok := strings.CutPrefix(expr, "env."); ok {
		return os.Getenv(rest), true
	}

	if v, ok := vars[expr]; ok {
		return formatValue(v), true
	}

	now := r.now()
	switch expr {
	case "date":
		return now.Format("2006-01-02"), true
	case "time":
		return now.Format("15:04:05"), true
	case "datetime":
		return now.Format("2006-01-02 15:04:05"), true
	case "timestamp":
		return strconv.FormatInt(now.UnixMilli(), 10), true
	case "counter":
		return strconv.FormatInt(r.nextCount(noteID), 10), true
	}
	return "", false
}

func (r *Renderer) nextCount(noteID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[noteID]++
	return r.counters[noteID]
}

func (r *Renderer) callBuiltin(name string, rawArgs string, vars map[string]any) (string, bool) {
	args := splitArgs(rawArgs)
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}

	switch name {
	case "random":
		if len(args) != 2 {
			return "", false
		}
		lo, ok1 := toInt(coerceArg(args[0], vars))
		hi, ok2 := toInt(coerceArg(args[1], vars))
		if !ok1 || !ok2 || hi < lo {
			return "", false
		}
		// inclusive range
		return strconv.FormatInt(lo+rand.Int63n(hi-lo+1), 10), true
	}
	// Unrecognized function names pass through unexpanded.
	return "", false
}

// splitCall matches "name(args)" where name is a bare identifier.
func splitCall(expr string) (name, args string, ok bool) {
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", "", false
	}
	name = strings.TrimSpace(expr[:open])
	for _, c := range name {
		if !isIdentRune(c) {
			return "", "", false
		}
	}
	return name, expr[open+1 : len(expr)-1], true
}

func isIdentRune(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// coerceArg turns a raw argument into a value: pure-integer -> int64,
// decimal -> float64, quoted -> string literal, otherwise a variable lookup
// falling back to the literal text.
func coerceArg(s string, vars map[string]any) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	if v, ok := vars[s]; ok {
		return v
	}
	return s
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		// Avoid "1e+06"-style output for round numbers coming from JSON.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
