package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sanonone/kektorvec/pkg/core/types"
)

// Filter decides whether a record, identified by its metadata, may appear in
// the results. A nil Filter accepts everything.
type Filter func(metadata map[string]any) bool

var reSimple = regexp.MustCompile(`^\w+$`)

// ParseFilter compiles a metadata filter expression.
//
// Clauses are combined with AND and OR, AND binding tighter, and grouped with
// parentheses. A clause is one of
//
//	key = 'text'   key != 'text'   key = 42   key < 3   key <= 3   key > 3   key >= 3
//	CONTAINS(key, 'text')
//
// Numeric comparisons only match numeric metadata values. CONTAINS matches a
// substring of a string value or an element of a list value. A clause on a
// missing key never matches, != included. Keywords are case insensitive and
// quoted values are taken literally. An empty expression yields a nil Filter.
func ParseFilter(expr string) (Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", types.ErrInvalidArgument, expr, err)
	}
	p := &filterParser{tokens: tokens}
	f, err := p.parseOr()
	if err == nil && p.peek().kind != tokEnd {
		err = fmt.Errorf("unexpected %s", p.peek())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", types.ErrInvalidArgument, expr, err)
	}
	return f, nil
}

type tokenKind int

const (
	tokEnd tokenKind = iota
	tokWord
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func (t token) String() string {
	switch t.kind {
	case tokEnd:
		return "end of expression"
	case tokString:
		return fmt.Sprintf("'%s'", t.text)
	}
	return fmt.Sprintf("%q", t.text)
}

// tokenize splits expr into words, quoted strings, operators and
// punctuation. Quoted strings may contain any character but their own quote.
func tokenize(expr string) ([]token, error) {
	var tokens []token
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "("})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")"})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ","})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(expr[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			tokens = append(tokens, token{tokString, expr[i+1 : i+1+end]})
			i += end + 2
		case c == '!':
			if i+1 >= len(expr) || expr[i+1] != '=' {
				return nil, fmt.Errorf("unexpected '!' at offset %d", i)
			}
			tokens = append(tokens, token{tokOp, "!="})
			i += 2
		case c == '<' || c == '>':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{tokOp, expr[i : i+2]})
				i += 2
			} else {
				tokens = append(tokens, token{tokOp, expr[i : i+1]})
				i++
			}
		case c == '=':
			tokens = append(tokens, token{tokOp, "="})
			i++
		default:
			j := i
			for j < len(expr) && !strings.ContainsRune(" \t\n\r()=!<>,'\"", rune(expr[j])) {
				j++
			}
			tokens = append(tokens, token{tokWord, expr[i:j]})
			i = j
		}
	}
	return append(tokens, token{kind: tokEnd}), nil
}

type filterParser struct {
	tokens []token
	pos    int
}

func (p *filterParser) peek() token { return p.tokens[p.pos] }

func (p *filterParser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEnd {
		p.pos++
	}
	return t
}

func (p *filterParser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokWord && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *filterParser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s, got %s", what, t)
	}
	return t, nil
}

func (p *filterParser) parseOr() (Filter, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	branches := []Filter{first}
	for p.keyword("OR") {
		f, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		branches = append(branches, f)
	}
	if len(branches) == 1 {
		return first, nil
	}
	return func(metadata map[string]any) bool {
		for _, f := range branches {
			if f(metadata) {
				return true
			}
		}
		return false
	}, nil
}

func (p *filterParser) parseAnd() (Filter, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	clauses := []Filter{first}
	for p.keyword("AND") {
		f, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, f)
	}
	if len(clauses) == 1 {
		return first, nil
	}
	return func(metadata map[string]any) bool {
		for _, f := range clauses {
			if !f(metadata) {
				return false
			}
		}
		return true
	}, nil
}

func (p *filterParser) parseTerm() (Filter, error) {
	if p.peek().kind == tokLParen {
		p.next()
		f, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return f, nil
	}

	keyTok, err := p.expect(tokWord, "a key")
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(keyTok.text, "CONTAINS") && p.peek().kind == tokLParen {
		return p.parseContains()
	}
	key := keyTok.text
	if !reSimple.MatchString(key) {
		return nil, fmt.Errorf("invalid key %q", key)
	}
	opTok, err := p.expect(tokOp, "an operator (=, !=, <, <=, >, >=)")
	if err != nil {
		return nil, err
	}
	value := p.next()
	if value.kind != tokWord && value.kind != tokString {
		return nil, fmt.Errorf("missing value after %s", opTok)
	}
	return compareClause(key, opTok.text, value)
}

// parseContains parses the arguments of CONTAINS(key, 'value').
func (p *filterParser) parseContains() (Filter, error) {
	p.next() // (
	keyTok, err := p.expect(tokWord, "a key")
	if err != nil {
		return nil, err
	}
	if !reSimple.MatchString(keyTok.text) {
		return nil, fmt.Errorf("invalid key %q", keyTok.text)
	}
	if _, err := p.expect(tokComma, "','"); err != nil {
		return nil, err
	}
	needle := p.next()
	if needle.kind != tokString && needle.kind != tokWord {
		return nil, fmt.Errorf("expected a value, got %s", needle)
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	key := keyTok.text
	return func(metadata map[string]any) bool {
		return contains(metadata[key], needle.text)
	}, nil
}

// compareClause compiles key op value.
func compareClause(key, op string, value token) (Filter, error) {
	if op == "=" || op == "!=" {
		eq := equalsClause(key, value)
		if op == "=" {
			return eq, nil
		}
		return func(metadata map[string]any) bool {
			_, present := metadata[key]
			return present && !eq(metadata)
		}, nil
	}

	if value.kind != tokWord {
		return nil, fmt.Errorf("value for operator '%s' must be numeric: %s", op, value)
	}
	num, err := strconv.ParseFloat(value.text, 64)
	if err != nil {
		return nil, fmt.Errorf("value for operator '%s' must be numeric: %s", op, value)
	}
	var cmp func(a float64) bool
	switch op {
	case "<":
		cmp = func(a float64) bool { return a < num }
	case "<=":
		cmp = func(a float64) bool { return a <= num }
	case ">":
		cmp = func(a float64) bool { return a > num }
	case ">=":
		cmp = func(a float64) bool { return a >= num }
	}
	return func(metadata map[string]any) bool {
		v, ok := toFloat(metadata[key])
		return ok && cmp(v)
	}, nil
}

// equalsClause matches quoted values as strings. Bare values are tried as a
// number, then a boolean, then a string.
func equalsClause(key string, value token) Filter {
	raw := value.text
	if value.kind == tokWord {
		if num, err := strconv.ParseFloat(raw, 64); err == nil {
			return func(metadata map[string]any) bool {
				v, ok := toFloat(metadata[key])
				return ok && v == num
			}
		}
		if b, err := strconv.ParseBool(raw); err == nil {
			return func(metadata map[string]any) bool {
				v, ok := metadata[key].(bool)
				return ok && v == b
			}
		}
	}
	return func(metadata map[string]any) bool {
		s, ok := metadata[key].(string)
		return ok && s == raw
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func contains(v any, needle string) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(val, needle)
	case []any:
		for _, e := range val {
			if s, ok := e.(string); ok && s == needle {
				return true
			}
		}
	case []string:
		for _, s := range val {
			if s == needle {
				return true
			}
		}
	}
	return false
}
