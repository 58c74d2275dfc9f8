package condition

import (
	"testing"
	"time"
)

func evalAt(t *testing.T, at time.Time, cond string, ctx map[string]any) (bool, error) {
	t.Helper()
	ev := NewEvaluator()
	ev.SetClock(func() time.Time { return at })
	return ev.Evaluate(cond, ctx)
}

var noon = time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC) // a Wednesday

func TestEvaluateBasics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cond string
		ctx  map[string]any
		want bool
	}{
		{name: "empty means always", cond: "", want: true},
		{name: "whitespace means always", cond: "   ", want: true},
		{name: "literal true", cond: "true", want: true},
		{name: "literal false", cond: "false", want: false},
		{name: "number compare", cond: "executionCount < 5", ctx: map[string]any{"executionCount": int64(3)}, want: true},
		{name: "number compare false", cond: "executionCount >= 5", ctx: map[string]any{"executionCount": int64(3)}, want: false},
		{name: "string equality", cond: `lastStatus == "success"`, ctx: map[string]any{"lastStatus": "success"}, want: true},
		{name: "negation", cond: `!(lastStatus == "failed")`, ctx: map[string]any{"lastStatus": "success"}, want: true},
		{name: "and short circuit", cond: "false && undefined_thing", want: false},
		{name: "or short circuit", cond: "true || undefined_thing", want: true},
		{name: "logical combo", cond: "hour >= 9 && hour < 18", ctx: map[string]any{"hour": 12}, want: true},
		{name: "truthy number", cond: "executionCount", ctx: map[string]any{"executionCount": 2}, want: true},
		{name: "falsy zero", cond: "executionCount", ctx: map[string]any{"executionCount": 0}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalAt(t, noon, tt.cond, tt.ctx)
			if err != nil {
				t.Fatalf("Evaluate(%q) error: %v", tt.cond, err)
			}
			if got != tt.want {
				t.Fatalf("Evaluate(%q) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvaluateFailsClosed(t *testing.T) {
	t.Parallel()
	tests := []string{
		"this is not ((( valid",
		"hasTag(",
		"undefined_variable == 3",
		`notAllowListed("x")`,
		"1 <",
		`"abc" < 3`,
	}
	for _, cond := range tests {
		got, err := evalAt(t, noon, cond, nil)
		if err == nil {
			t.Fatalf("Evaluate(%q) expected error", cond)
		}
		if got {
			t.Fatalf("Evaluate(%q) must be false on error", cond)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Validate(`hasTag("ops") && isWeekday()`); err != nil {
		t.Fatalf("valid condition rejected: %v", err)
	}
	if err := Validate(""); err != nil {
		t.Fatalf("empty condition rejected: %v", err)
	}
	if err := Validate("((("); err == nil {
		t.Fatal("expected error for invalid syntax")
	}
	if err := Validate(`system("rm")`); err == nil {
		t.Fatal("expected error for non-allow-listed function")
	}
}

func TestTagHelpers(t *testing.T) {
	t.Parallel()
	ctx := map[string]any{"tags": []string{"ops", "eu"}}
	tests := []struct {
		cond string
		want bool
	}{
		{`hasTag("ops")`, true},
		{`hasTag("OPS")`, true}, // tags are case-insensitive
		{`hasTag("alpha")`, false},
		{`hasAnyTag("alpha", "eu")`, true},
		{`hasAnyTag("alpha", "beta")`, false},
		{`hasAllTags("ops", "eu")`, true},
		{`hasAllTags("ops", "alpha")`, false},
	}
	for _, tt := range tests {
		got, err := evalAt(t, noon, tt.cond, ctx)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tt.cond, err)
		}
		if got != tt.want {
			t.Fatalf("Evaluate(%q) = %v, want %v", tt.cond, got, tt.want)
		}
	}
}

func TestWeekdayHelpers(t *testing.T) {
	t.Parallel()
	wednesday := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	if got, _ := evalAt(t, wednesday, "isWeekday()", nil); !got {
		t.Fatal("wednesday should be a weekday")
	}
	if got, _ := evalAt(t, wednesday, "isWeekend()", nil); got {
		t.Fatal("wednesday should not be a weekend")
	}
	if got, _ := evalAt(t, saturday, "isWeekend()", nil); !got {
		t.Fatal("saturday should be a weekend")
	}
}

func TestIsTimeBetween(t *testing.T) {
	t.Parallel()
	at := func(hh, mm int) time.Time {
		return time.Date(2026, 3, 11, hh, mm, 0, 0, time.UTC)
	}
	tests := []struct {
		now  time.Time
		cond string
		want bool
	}{
		{at(10, 30), `isTimeBetween("09:00", "18:00")`, true},
		{at(8, 59), `isTimeBetween("09:00", "18:00")`, false},
		// range wrapping past midnight
		{at(23, 30), `isTimeBetween("22:00", "06:00")`, true},
		{at(5, 0), `isTimeBetween("22:00", "06:00")`, true},
		{at(12, 0), `isTimeBetween("22:00", "06:00")`, false},
		// inclusive boundaries
		{at(22, 0), `isTimeBetween("22:00", "06:00")`, true},
		{at(6, 0), `isTimeBetween("22:00", "06:00")`, true},
	}
	for _, tt := range tests {
		got, err := evalAt(t, tt.now, tt.cond, nil)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tt.cond, err)
		}
		if got != tt.want {
			t.Fatalf("Evaluate(%q) at %s = %v, want %v", tt.cond, tt.now.Format("15:04"), got, tt.want)
		}
	}

	if _, err := evalAt(t, noon, `isTimeBetween("25:00", "06:00")`, nil); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}
