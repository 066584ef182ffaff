package features

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrInvalidExpression indicates a selection expression that cannot be parsed.
var ErrInvalidExpression = errors.New("invalid selection expression")

// PredicateKind tags the variant held by a Predicate.
type PredicateKind int

const (
	// MatchAll selects every record. It is the zero value.
	MatchAll PredicateKind = iota
	// MatchIDs selects records whose identifier is in an explicit set.
	MatchIDs
	// MatchExpression selects records satisfying a query expression.
	MatchExpression
)

// Predicate is a record selector. It is rendered as a query string only at
// the store boundary (see Query); internally the variants stay typed.
type Predicate struct {
	Kind       PredicateKind `json:"kind"`
	IDs        []Identifier  `json:"ids,omitempty"`
	Expression string        `json:"expression,omitempty"`
}

// All returns the predicate selecting every record.
func All() Predicate {
	return Predicate{Kind: MatchAll}
}

// IDSet returns the predicate selecting exactly ids.
func IDSet(ids []Identifier) Predicate {
	cp := make([]Identifier, len(ids))
	copy(cp, ids)
	return Predicate{Kind: MatchIDs, IDs: cp}
}

// Expression returns a predicate for a query expression such as
// "OBJECTID = 3 OR POP > 100". The expression is validated eagerly.
func Expression(expr string) (Predicate, error) {
	if _, err := parseExpression(expr); err != nil {
		return Predicate{}, err
	}
	return Predicate{Kind: MatchExpression, Expression: expr}, nil
}

// Query renders the predicate as a query string against idField.
// MatchAll renders as the empty string.
func (p Predicate) Query(idField string) string {
	switch p.Kind {
	case MatchIDs:
		terms := make([]string, len(p.IDs))
		for i, id := range p.IDs {
			terms[i] = fmt.Sprintf("%s = %d", idField, id)
		}
		return strings.Join(terms, " OR ")
	case MatchExpression:
		return p.Expression
	default:
		return ""
	}
}

// Matcher compiles the predicate into a function over features.
func (p Predicate) Matcher(idField string) (func(Feature) bool, error) {
	switch p.Kind {
	case MatchAll:
		return func(Feature) bool { return true }, nil
	case MatchIDs:
		set := make(map[Identifier]struct{}, len(p.IDs))
		for _, id := range p.IDs {
			set[id] = struct{}{}
		}
		return func(f Feature) bool {
			_, ok := set[f.ID]
			return ok
		}, nil
	case MatchExpression:
		n, err := parseExpression(p.Expression)
		if err != nil {
			return nil, err
		}
		return func(f Feature) bool { return n.eval(f, idField) }, nil
	default:
		return nil, fmt.Errorf("unknown predicate kind %d", p.Kind)
	}
}

// Expression grammar:
//
//	expr    = term { OR term }
//	term    = factor { AND factor }
//	factor  = "(" expr ")" | NOT factor | field op literal | field IN "(" literal { "," literal } ")"
//	op      = "=" | "<>" | "!=" | "<" | "<=" | ">" | ">="
//	literal = number | 'string'

type exprNode interface {
	eval(f Feature, idField string) bool
}

type orNode []exprNode

func (n orNode) eval(f Feature, idField string) bool {
	for _, c := range n {
		if c.eval(f, idField) {
			return true
		}
	}
	return false
}

type andNode []exprNode

func (n andNode) eval(f Feature, idField string) bool {
	for _, c := range n {
		if !c.eval(f, idField) {
			return false
		}
	}
	return true
}

type notNode struct{ inner exprNode }

func (n notNode) eval(f Feature, idField string) bool { return !n.inner.eval(f, idField) }

type cmpNode struct {
	field  string
	op     string
	values []interface{}
}

func (n cmpNode) eval(f Feature, idField string) bool {
	var v interface{}
	if strings.EqualFold(n.field, idField) {
		v = f.ID
	} else {
		pv, ok := lookupProperty(f.Properties, n.field)
		if !ok || pv == nil {
			return false
		}
		v = pv
	}
	if n.op == "IN" {
		for _, lit := range n.values {
			if c, ok := compare(v, lit); ok && c == 0 {
				return true
			}
		}
		return false
	}
	c, ok := compare(v, n.values[0])
	if !ok {
		return false
	}
	switch n.op {
	case "=":
		return c == 0
	case "<>", "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

// number is a numeric literal. Integer literals keep their exact value so
// identifiers beyond 2^53 compare correctly.
type number struct {
	f     float64
	i     int64
	exact bool
}

func compare(v interface{}, lit interface{}) (int, bool) {
	switch l := lit.(type) {
	case number:
		if x, ok := integer(v); ok && l.exact {
			return cmpInt(x, l.i), true
		}
		x, ok := numeric(v)
		if !ok {
			return 0, false
		}
		switch {
		case x < l.f:
			return -1, true
		case x > l.f:
			return 1, true
		}
		return 0, true
	case string:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		return strings.Compare(s, l), true
	}
	return 0, false
}

func integer(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case Identifier:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case Identifier:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

type token struct {
	kind string // ident, number, string, op, punct
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	r := []rune(s)
	for i := 0; i < len(r); {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(' || c == ')' || c == ',':
			toks = append(toks, token{"punct", string(c)})
			i++
		case c == '\'':
			j := i + 1
			var b strings.Builder
			for ; j < len(r); j++ {
				if r[j] == '\'' {
					if j+1 < len(r) && r[j+1] == '\'' {
						b.WriteRune('\'')
						j++
						continue
					}
					break
				}
				b.WriteRune(r[j])
			}
			if j >= len(r) {
				return nil, fmt.Errorf("%w: unterminated string", ErrInvalidExpression)
			}
			toks = append(toks, token{"string", b.String()})
			i = j + 1
		case strings.ContainsRune("=<>!", c):
			j := i + 1
			if j < len(r) && strings.ContainsRune("=>", r[j]) {
				j++
			}
			op := string(r[i:j])
			switch op {
			case "=", "<>", "!=", "<", "<=", ">", ">=":
			default:
				return nil, fmt.Errorf("%w: operator %q", ErrInvalidExpression, op)
			}
			toks = append(toks, token{"op", op})
			i = j
		case unicode.IsDigit(c) || c == '-' || c == '.':
			j := i + 1
			for j < len(r) && (unicode.IsDigit(r[j]) || r[j] == '.' || r[j] == 'e' || r[j] == 'E') {
				if (r[j] == 'e' || r[j] == 'E') && j+1 < len(r) && (r[j+1] == '+' || r[j+1] == '-') {
					j++
				}
				j++
			}
			toks = append(toks, token{"number", string(r[i:j])})
			i = j
		case unicode.IsLetter(c) || c == '_' || c == '"' || c == '[':
			if c == '"' || c == '[' {
				// delimited field name, as produced by field-delimiting tools
				end := '"'
				if c == '[' {
					end = ']'
				}
				j := i + 1
				for j < len(r) && r[j] != end {
					j++
				}
				if j >= len(r) {
					return nil, fmt.Errorf("%w: unterminated field name", ErrInvalidExpression)
				}
				toks = append(toks, token{"ident", string(r[i+1 : j])})
				i = j + 1
				continue
			}
			j := i + 1
			for j < len(r) && (unicode.IsLetter(r[j]) || unicode.IsDigit(r[j]) || r[j] == '_' || r[j] == '.') {
				j++
			}
			toks = append(toks, token{"ident", string(r[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidExpression, string(c))
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func parseExpression(s string) (exprNode, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	p := &parser{toks: toks}
	n, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidExpression, p.toks[p.pos].text)
	}
	return n, nil
}

func (p *parser) peek() *token {
	if p.pos >= len(p.toks) {
		return nil
	}
	return &p.toks[p.pos]
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t != nil && t.kind == "ident" && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) punct(s string) bool {
	t := p.peek()
	if t != nil && t.kind == "punct" && t.text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expr() (exprNode, error) {
	first, err := p.term()
	if err != nil {
		return nil, err
	}
	nodes := orNode{first}
	for p.keyword("OR") {
		n, err := p.term()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 1 {
		return first, nil
	}
	return nodes, nil
}

func (p *parser) term() (exprNode, error) {
	first, err := p.factor()
	if err != nil {
		return nil, err
	}
	nodes := andNode{first}
	for p.keyword("AND") {
		n, err := p.factor()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 1 {
		return first, nil
	}
	return nodes, nil
}

func (p *parser) factor() (exprNode, error) {
	if p.punct("(") {
		n, err := p.expr()
		if err != nil {
			return nil, err
		}
		if !p.punct(")") {
			return nil, fmt.Errorf("%w: missing ')'", ErrInvalidExpression)
		}
		return n, nil
	}
	if p.keyword("NOT") {
		n, err := p.factor()
		if err != nil {
			return nil, err
		}
		return notNode{n}, nil
	}
	t := p.peek()
	if t == nil || t.kind != "ident" {
		return nil, fmt.Errorf("%w: expected field name", ErrInvalidExpression)
	}
	field := t.text
	p.pos++

	if p.keyword("IN") {
		if !p.punct("(") {
			return nil, fmt.Errorf("%w: expected '(' after IN", ErrInvalidExpression)
		}
		var values []interface{}
		for {
			v, err := p.literal()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			if p.punct(",") {
				continue
			}
			if p.punct(")") {
				break
			}
			return nil, fmt.Errorf("%w: expected ',' or ')'", ErrInvalidExpression)
		}
		return cmpNode{field: field, op: "IN", values: values}, nil
	}

	op := p.peek()
	if op == nil || op.kind != "op" {
		return nil, fmt.Errorf("%w: expected operator after %s", ErrInvalidExpression, field)
	}
	p.pos++
	v, err := p.literal()
	if err != nil {
		return nil, err
	}
	return cmpNode{field: field, op: op.text, values: []interface{}{v}}, nil
}

func (p *parser) literal() (interface{}, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("%w: expected literal", ErrInvalidExpression)
	}
	p.pos++
	switch t.kind {
	case "number":
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return number{f: float64(i), i: i, exact: true}, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrInvalidExpression, t.text)
		}
		return number{f: f}, nil
	case "string":
		return t.text, nil
	}
	return nil, fmt.Errorf("%w: expected literal, got %q", ErrInvalidExpression, t.text)
}
