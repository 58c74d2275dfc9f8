// Package condition evaluates the boolean gating expressions attached to
// scheduled notes.
//
// Expressions are parsed into a small AST and interpreted against a context
// map; they are never compiled or passed to a host-language evaluator. The
// grammar supports literals, context identifiers, comparisons, !, && and ||,
// parentheses, and calls into a fixed helper set:
//
//	hasTag(t), hasAnyTag(t...), hasAllTags(t...)
//	isWeekday(), isWeekend()
//	isTimeBetween("HH:MM", "HH:MM")
//
// An empty expression means "always execute". Callers treat any parse or
// evaluation error as false (fail closed).
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Evaluator interprets condition expressions. The clock is injectable so
// day-of-week and time-of-day helpers are testable.
type Evaluator struct {
	now func() time.Time
}

func NewEvaluator() *Evaluator {
	return &Evaluator{now: time.Now}
}

// SetClock overrides the time source (tests).
func (ev *Evaluator) SetClock(now func() time.Time) { ev.now = now }

// Validate parses the expression without evaluating it. Used at note
// create/update time so invalid conditions are never persisted.
func Validate(cond string) error {
	if strings.TrimSpace(cond) == "" {
		return nil
	}
	_, err := parse(cond)
	return err
}

// Evaluate runs the expression against ctx and coerces the result to bool.
// An empty condition is true by contract, not an edge case.
func (ev *Evaluator) Evaluate(cond string, ctx map[string]any) (bool, error) {
	if strings.TrimSpace(cond) == "" {
		return true, nil
	}
	root, err := parse(cond)
	if err != nil {
		return false, err
	}
	env := &env{ctx: ctx, now: ev.now}
	v, err := root.eval(env)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// ---- lexer ----

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // == != <= >= < > && || !
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '"' || c == '\'':
			q := c
			j := i + 1
			for j < len(src) && src[j] != q {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, src[i+1 : j], i})
			i = j + 1
		case strings.HasPrefix(src[i:], "=="), strings.HasPrefix(src[i:], "!="),
			strings.HasPrefix(src[i:], "<="), strings.HasPrefix(src[i:], ">="),
			strings.HasPrefix(src[i:], "&&"), strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{tokOp, src[i : i+2], i})
			i += 2
		case c == '<' || c == '>' || c == '!':
			toks = append(toks, token{tokOp, string(c), i})
			i++
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.'
}

// ---- parser ----

// Grammar (precedence low to high):
//
//	expr  := and ("||" and)*
//	and   := cmp ("&&" cmp)*
//	cmp   := unary (("=="|"!="|"<"|"<="|">"|">=") unary)?
//	unary := "!" unary | primary
//	primary := number | string | "true" | "false" | ident | ident "(" args ")" | "(" expr ")"
type parser struct {
	toks []token
	i    int
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.i] }
func (p *parser) next() token { t := p.toks[p.i]; p.i++; return t }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return &cmpNode{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if t := p.peek(); t.kind == tokOp && t.text == "!" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", t.text, t.pos)
		}
		return &litNode{v: f}, nil
	case tokString:
		return &litNode{v: t.text}, nil
	case tokIdent:
		if t.text == "true" {
			return &litNode{v: true}, nil
		}
		if t.text == "false" {
			return &litNode{v: false}, nil
		}
		if p.peek().kind == tokLParen {
			p.next()
			var args []node
			if p.peek().kind != tokRParen {
				for {
					a, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, a)
					if p.peek().kind == tokComma {
						p.next()
						continue
					}
					break
				}
			}
			if p.peek().kind != tokRParen {
				return nil, fmt.Errorf("expected ')' at offset %d", p.peek().pos)
			}
			p.next()
			if !allowedFuncs[t.text] {
				return nil, fmt.Errorf("unknown function %q", t.text)
			}
			return &callNode{name: t.text, args: args}, nil
		}
		return &identNode{name: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at offset %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
}

var allowedFuncs = map[string]bool{
	"hasTag":        true,
	"hasAnyTag":     true,
	"hasAllTags":    true,
	"isWeekday":     true,
	"isWeekend":     true,
	"isTimeBetween": true,
}

// ---- interpreter ----

type env struct {
	ctx map[string]any
	now func() time.Time
}

type node interface {
	eval(e *env) (any, error)
}

type litNode struct{ v any }

func (n *litNode) eval(*env) (any, error) { return n.v, nil }

type identNode struct{ name string }

func (n *identNode) eval(e *env) (any, error) {
	if v, ok := e.ctx[n.name]; ok {
		return normalize(v), nil
	}
	return nil, fmt.Errorf("undefined variable %q", n.name)
}

type notNode struct{ inner node }

func (n *notNode) eval(e *env) (any, error) {
	v, err := n.inner.eval(e)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type logicalNode struct {
	op          string
	left, right node
}

func (n *logicalNode) eval(e *env) (any, error) {
	lv, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}
	// short circuit
	if n.op == "&&" && !truthy(lv) {
		return false, nil
	}
	if n.op == "||" && truthy(lv) {
		return true, nil
	}
	rv, err := n.right.eval(e)
	if err != nil {
		return nil, err
	}
	return truthy(rv), nil
}

type cmpNode struct {
	op          string
	left, right node
}

func (n *cmpNode) eval(e *env) (any, error) {
	lv, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(e)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		eq, err := equal(lv, rv)
		return eq, err
	case "!=":
		eq, err := equal(lv, rv)
		return !eq, err
	}

	lf, lok := asNumber(lv)
	rf, rok := asNumber(rv)
	if lok && rok {
		switch n.op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok := lv.(string)
	rs, rok := rv.(string)
	if lok && rok {
		switch n.op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("cannot order %T and %T", lv, rv)
}

type callNode struct {
	name string
	args []node
}

func (n *callNode) eval(e *env) (any, error) {
	vals := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(e)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}

	switch n.name {
	case "hasTag":
		if len(vals) != 1 {
			return nil, fmt.Errorf("hasTag wants 1 arg, got %d", len(vals))
		}
		return containsAll(e.tags(), vals[:1]), nil
	case "hasAnyTag":
		tags := e.tags()
		for _, v := range vals {
			if containsAll(tags, []any{v}) {
				return true, nil
			}
		}
		return false, nil
	case "hasAllTags":
		return containsAll(e.tags(), vals), nil
	case "isWeekday":
		wd := e.now().Weekday()
		return wd != time.Saturday && wd != time.Sunday, nil
	case "isWeekend":
		wd := e.now().Weekday()
		return wd == time.Saturday || wd == time.Sunday, nil
	case "isTimeBetween":
		if len(vals) != 2 {
			return nil, fmt.Errorf("isTimeBetween wants 2 args, got %d", len(vals))
		}
		start, ok1 := vals[0].(string)
		end, ok2 := vals[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("isTimeBetween wants HH:MM strings")
		}
		return e.timeBetween(start, end)
	}
	return nil, fmt.Errorf("unknown function %q", n.name)
}

func (e *env) tags() []string {
	v, ok := e.ctx["tags"]
	if !ok {
		return nil
	}
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, it := range x {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// timeBetween compares minute-of-day values. A range with start > end wraps
// past midnight: match if now >= start OR now <= end.
func (e *env) timeBetween(start, end string) (bool, error) {
	sm, err := minuteOfDay(start)
	if err != nil {
		return false, err
	}
	em, err := minuteOfDay(end)
	if err != nil {
		return false, err
	}
	now := e.now()
	nm := now.Hour()*60 + now.Minute()
	if sm <= em {
		return nm >= sm && nm <= em, nil
	}
	return nm >= sm || nm <= em, nil
}

func minuteOfDay(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

func containsAll(tags []string, wants []any) bool {
	for _, w := range wants {
		s, ok := w.(string)
		if !ok {
			return false
		}
		found := false
		for _, t := range tags {
			if strings.EqualFold(t, s) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// normalize folds Go integer kinds into float64 so comparisons behave the
// same whether a value came from config, JSON or code.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

func asNumber(v any) (float64, bool) {
	switch x := normalize(v).(type) {
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func equal(a, b any) (bool, error) {
	if af, ok := asNumber(a); ok {
		if bf, ok := asNumber(b); ok {
			return af == bf, nil
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs, nil
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb, nil
		}
	}
	return false, fmt.Errorf("cannot compare %T and %T", a, b)
}

func truthy(v any) bool {
	switch x := normalize(v).(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case nil:
		return false
	default:
		return true
	}
}
