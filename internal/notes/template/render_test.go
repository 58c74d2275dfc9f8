package template

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"hookbot/pkg/logx"
)

func testRenderer() *Renderer {
	r := NewRenderer(logx.Nop())
	r.SetClock(func() time.Time {
		return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	})
	return r
}

func TestRenderVariables(t *testing.T) {
	t.Parallel()
	r := testRenderer()

	tests := []struct {
		name string
		tmpl string
		vars map[string]any
		want string
	}{
		{name: "plain", tmpl: "hello world", want: "hello world"},
		{name: "string var", tmpl: "hi {{who}}", vars: map[string]any{"who": "crew"}, want: "hi crew"},
		{name: "numeric var", tmpl: "v{{n}}", vars: map[string]any{"n": float64(3)}, want: "v3"},
		{name: "unresolved stays", tmpl: "x {{missing}} y", want: "x {{missing}} y"},
		{name: "empty token stays", tmpl: "a {{ }} b", want: "a {{ }} b"},
		{name: "date builtin", tmpl: "{{date}}", want: "2026-03-14"},
		{name: "time builtin", tmpl: "{{time}}", want: "09:26:53"},
		{name: "datetime builtin", tmpl: "{{datetime}}", want: "2026-03-14 09:26:53"},
		{name: "vars shadow builtins", tmpl: "{{date}}", vars: map[string]any{"date": "pi day"}, want: "pi day"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := r.Render("n1", tt.tmpl, tt.vars)
			if got != tt.want {
				t.Fatalf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestRenderTimestamp(t *testing.T) {
	t.Parallel()
	r := testRenderer()
	got := r.Render("n1", "{{timestamp}}", nil)
	ms, err := strconv.ParseInt(got, 10, 64)
	if err != nil {
		t.Fatalf("timestamp not numeric: %q", got)
	}
	want := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC).UnixMilli()
	if ms != want {
		t.Fatalf("timestamp = %d, want %d", ms, want)
	}
}

func TestRenderEnv(t *testing.T) {
	t.Setenv("HOOKBOT_TEST_REGION", "eu-1")
	r := testRenderer()
	if got := r.Render("n1", "region={{env.HOOKBOT_TEST_REGION}}", nil); got != "region=eu-1" {
		t.Fatalf("env expansion = %q", got)
	}
	if got := r.Render("n1", "{{env.HOOKBOT_TEST_ABSENT}}", nil); got != "" {
		t.Fatalf("absent env should render empty, got %q", got)
	}
}

func TestRenderRandom(t *testing.T) {
	t.Parallel()
	r := testRenderer()
	for i := 0; i < 50; i++ {
		got := r.Render("n1", "{{random(3,7)}}", nil)
		n, err := strconv.Atoi(got)
		if err != nil {
			t.Fatalf("random output not numeric: %q", got)
		}
		if n < 3 || n > 7 {
			t.Fatalf("random(3,7) out of range: %d", n)
		}
	}
	// single-value range
	if got := r.Render("n1", "{{random(5,5)}}", nil); got != "5" {
		t.Fatalf("random(5,5) = %q", got)
	}
	// args resolved through the variable bag
	got := r.Render("n1", "{{random(lo,hi)}}", map[string]any{"lo": 2, "hi": 2})
	if got != "2" {
		t.Fatalf("random(lo,hi) with vars = %q", got)
	}
}

func TestRenderMalformedCalls(t *testing.T) {
	t.Parallel()
	r := testRenderer()
	tests := []string{
		"{{random(1)}}",
		"{{random(7,3)}}",
		"{{random(a,b)}}",
		"{{nonsense(1,2)}}",
	}
	for _, tmpl := range tests {
		if got := r.Render("n1", tmpl, nil); got != tmpl {
			t.Fatalf("malformed %q should pass through, got %q", tmpl, got)
		}
	}
}

func TestRenderCounterPerNote(t *testing.T) {
	t.Parallel()
	r := testRenderer()

	if got := r.Render("a", "{{counter}}", nil); got != "1" {
		t.Fatalf("first counter = %q", got)
	}
	if got := r.Render("a", "{{counter}}", nil); got != "2" {
		t.Fatalf("second counter = %q", got)
	}
	// counters are scoped per note id
	if got := r.Render("b", "{{counter}}", nil); got != "1" {
		t.Fatalf("other note counter = %q", got)
	}

	r.ResetCounter("a")
	if got := r.Render("a", "{{counter}}", nil); got != "1" {
		t.Fatalf("counter after reset = %q", got)
	}
}

func TestRenderIdempotentWithoutDynamicTokens(t *testing.T) {
	t.Parallel()
	r := testRenderer()
	tmpl := "release {{version}} to {{env.HOOKBOT_NOPE}} at {{datetime}}"
	vars := map[string]any{"version": "1.4.2"}
	first := r.Render("n1", tmpl, vars)
	second := r.Render("n1", tmpl, vars)
	if first != second {
		t.Fatalf("render not idempotent: %q vs %q", first, second)
	}
	if strings.Contains(first, "{{version}}") {
		t.Fatalf("version not expanded: %q", first)
	}
}
