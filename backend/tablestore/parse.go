package tablestore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokParam
	tokString
	tokNumber
	tokOp
	tokComma
	tokLParen
	tokRParen
	tokStar
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }

func lex(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == ';':
			if strings.TrimSpace(src[i+1:]) != "" {
				return nil, fmt.Errorf("multiple statements are not supported")
			}
			i = len(src)
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '*':
			toks = append(toks, token{tokStar, "*", i})
			i++
		case c == '$':
			j := i + 1
			for j < len(src) && isDigit(src[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("malformed placeholder at offset %d", i)
			}
			toks = append(toks, token{tokParam, src[i+1 : j], i})
			i = j
		case c == '\'':
			var b strings.Builder
			j := i + 1
			for {
				if j >= len(src) {
					return nil, fmt.Errorf("unterminated string at offset %d", i)
				}
				if src[j] == '\'' {
					if j+1 < len(src) && src[j+1] == '\'' {
						b.WriteByte('\'')
						j += 2
						continue
					}
					break
				}
				b.WriteByte(src[j])
				j++
			}
			toks = append(toks, token{tokString, b.String(), i})
			i = j + 1
		case c == '=':
			toks = append(toks, token{tokOp, "=", i})
			i++
		case c == '!' || c == '<' || c == '>':
			if i+1 < len(src) && (src[i+1] == '=' || (c == '<' && src[i+1] == '>')) {
				toks = append(toks, token{tokOp, src[i : i+2], i})
				i += 2
				continue
			}
			if c == '!' {
				return nil, fmt.Errorf("unexpected '!' at offset %d", i)
			}
			toks = append(toks, token{tokOp, string(c), i})
			i++
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			j := i + 1
			for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// Clauses the dialect recognizes but does not implement.
var unsupportedClauses = map[string]bool{
	"ORDER": true, "GROUP": true, "JOIN": true, "INNER": true, "LEFT": true,
	"RIGHT": true, "LIMIT": true, "OFFSET": true, "HAVING": true, "UNION": true,
}

type parser struct {
	toks   []token
	pos    int
	params []host.Value
}

func newParser(statement string, params []host.Value) (*parser, error) {
	toks, err := lex(statement)
	if err != nil {
		return nil, fault.InvalidArgument("%v", err)
	}
	return &parser{toks: toks, params: params}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) keyword(kw string) bool {
	if p.isKeyword(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.keyword(kw) {
		return p.errorf("expected %s", kw)
	}
	return nil
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.peek().kind != kind {
		return token{}, p.errorf("expected %s", what)
	}
	return p.next(), nil
}

func (p *parser) ident() (string, error) {
	t, err := p.expect(tokIdent, "identifier")
	return t.text, err
}

// end checks that the whole statement was consumed.
func (p *parser) end() error {
	t := p.peek()
	if t.kind == tokEOF {
		return nil
	}
	if t.kind == tokIdent && unsupportedClauses[strings.ToUpper(t.text)] {
		return fault.Operation(fault.CodeUnsupported, "%s is not supported by the table store", strings.ToUpper(t.text))
	}
	return p.errorf("unexpected %q", t.text)
}

func (p *parser) errorf(format string, args ...any) error {
	t := p.peek()
	where := "end of statement"
	if t.kind != tokEOF {
		where = fmt.Sprintf("%q at offset %d", t.text, t.pos)
	}
	return fault.InvalidArgument("%s near %s", fmt.Sprintf(format, args...), where)
}

// placeholder consumes a $n token and returns the referenced parameter.
func (p *parser) placeholder() (host.Value, error) {
	t, err := p.expect(tokParam, "parameter placeholder ($1, $2, ...)")
	if err != nil {
		return host.Value{}, err
	}
	n, err := strconv.Atoi(t.text)
	if err != nil || n < 1 {
		return host.Value{}, fault.InvalidArgument("invalid placeholder $%s", t.text)
	}
	if n > len(p.params) {
		return host.Value{}, fault.InvalidArgument("parameter $%d referenced but only %d parameters provided", n, len(p.params))
	}
	return p.params[n-1], nil
}

// operand consumes a placeholder or a literal.
func (p *parser) operand() (host.Value, error) {
	t := p.peek()
	switch t.kind {
	case tokParam:
		return p.placeholder()
	case tokString:
		p.next()
		return host.NewValue(host.TypeString, t.text), nil
	case tokNumber:
		p.next()
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return host.Value{}, fault.InvalidArgument("invalid number %q", t.text)
			}
			return host.NewValue(host.TypeDouble, f), nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return host.Value{}, fault.InvalidArgument("invalid number %q", t.text)
		}
		return host.NewValue(host.TypeInt64, n), nil
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			p.next()
			return host.NewValue(host.TypeBoolean, true), nil
		case "FALSE":
			p.next()
			return host.NewValue(host.TypeBoolean, false), nil
		}
	}
	return host.Value{}, p.errorf("expected a value")
}

// query is a parsed SELECT.
type query struct {
	table   string
	top     int
	columns []string
	where   expr
}

// parseQuery parses SELECT [TOP n] (* | col, ...) FROM table [WHERE expr].
func parseQuery(statement string, params []host.Value) (*query, error) {
	p, err := newParser(statement, params)
	if err != nil {
		return nil, err
	}
	if !p.keyword("SELECT") {
		return nil, fault.InvalidArgument("only SELECT statements can be queried")
	}

	q := &query{}
	if p.keyword("TOP") {
		t, err := p.expect(tokNumber, "row count")
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(t.text)
		if err != nil || n < 1 {
			return nil, fault.InvalidArgument("TOP requires a positive integer, got %q", t.text)
		}
		q.top = n
	}

	if p.peek().kind == tokStar {
		p.next()
	} else {
		for {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			q.columns = append(q.columns, col)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	if q.table, err = p.ident(); err != nil {
		return nil, err
	}
	if p.peek().kind == tokComma {
		return nil, fault.Operation(fault.CodeUnsupported, "queries over multiple tables are not supported")
	}

	if p.keyword("WHERE") {
		if q.where, err = p.orExpr(); err != nil {
			return nil, err
		}
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	return q, nil
}

func (p *parser) orExpr() (expr, error) {
	left, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		left = orExpr{left, right}
	}
	return left, nil
}

func (p *parser) andExpr() (expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = andExpr{left, right}
	}
	return left, nil
}

func (p *parser) unary() (expr, error) {
	if p.keyword("NOT") {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return notExpr{x}, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		x, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return x, nil
	}
	return p.condition()
}

func (p *parser) condition() (cond, error) {
	col, err := p.ident()
	if err != nil {
		return cond{}, err
	}
	op, err := p.expect(tokOp, "comparison operator")
	if err != nil {
		return cond{}, err
	}
	v, err := p.operand()
	if err != nil {
		return cond{}, err
	}
	if op.text == "<>" {
		op.text = "!="
	}
	return cond{column: col, op: op.text, value: v}, nil
}

type action int

const (
	actionInsert action = iota + 1
	actionUpdate
	actionDelete
)

func (a action) String() string {
	switch a {
	case actionInsert:
		return "INSERT"
	case actionUpdate:
		return "UPDATE"
	case actionDelete:
		return "DELETE"
	}
	return "?"
}

// mutation is a parsed single-entity INSERT, UPDATE or DELETE.
type mutation struct {
	action    action
	table     string
	partition string
	row       string
	fields    []host.Field
}

func parseExec(statement string, params []host.Value) (*mutation, error) {
	p, err := newParser(statement, params)
	if err != nil {
		return nil, err
	}

	m := &mutation{}
	switch {
	case p.keyword("INSERT"):
		m.action = actionInsert
		err = p.insert(m)
	case p.keyword("UPDATE"):
		m.action = actionUpdate
		err = p.update(m)
	case p.keyword("DELETE"):
		m.action = actionDelete
		err = p.delete(m)
	default:
		return nil, fault.InvalidArgument("only INSERT, UPDATE, and DELETE statements are supported")
	}
	if err != nil {
		return nil, err
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	return m, nil
}

// insert parses INTO table (col, ...) VALUES ($n, ...).
func (p *parser) insert(m *mutation) error {
	var err error
	if err = p.expectKeyword("INTO"); err != nil {
		return err
	}
	if m.table, err = p.ident(); err != nil {
		return err
	}

	if _, err := p.expect(tokLParen, "'(' before column names"); err != nil {
		return err
	}
	var columns []string
	for {
		col, err := p.ident()
		if err != nil {
			return err
		}
		columns = append(columns, col)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	if _, err := p.expect(tokRParen, "')' after column names"); err != nil {
		return err
	}

	if err := p.expectKeyword("VALUES"); err != nil {
		return err
	}
	if _, err := p.expect(tokLParen, "'(' before values"); err != nil {
		return err
	}
	var values []host.Value
	for {
		v, err := p.placeholder()
		if err != nil {
			return err
		}
		values = append(values, v)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	if _, err := p.expect(tokRParen, "')' after values"); err != nil {
		return err
	}
	if len(columns) != len(values) {
		return fault.InvalidArgument("number of columns (%d) does not match number of values (%d)", len(columns), len(values))
	}

	var havePartition, haveRow bool
	for i, col := range columns {
		switch col {
		case PartitionKey:
			if m.partition, err = keyString(PartitionKey, values[i]); err != nil {
				return err
			}
			havePartition = true
		case RowKey:
			if m.row, err = keyString(RowKey, values[i]); err != nil {
				return err
			}
			haveRow = true
		default:
			m.fields = append(m.fields, host.Field{Name: col, Value: values[i]})
		}
	}
	if !havePartition {
		return fault.InvalidArgument("INSERT must specify the %s column", PartitionKey)
	}
	if !haveRow {
		return fault.InvalidArgument("INSERT must specify the %s column", RowKey)
	}
	return nil
}

// update parses table SET col = $n, ... WHERE keys.
func (p *parser) update(m *mutation) error {
	var err error
	if m.table, err = p.ident(); err != nil {
		return err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return err
	}
	for {
		col, err := p.ident()
		if err != nil {
			return err
		}
		if col == PartitionKey || col == RowKey {
			return fault.InvalidArgument("UPDATE cannot change %s", col)
		}
		if _, err := p.expect(tokOp, "'='"); err != nil {
			return err
		}
		if p.toks[p.pos-1].text != "=" {
			return fault.InvalidArgument("SET expects col = $n")
		}
		v, err := p.placeholder()
		if err != nil {
			return err
		}
		m.fields = append(m.fields, host.Field{Name: col, Value: v})
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	return p.keys(m)
}

// delete parses FROM table WHERE keys.
func (p *parser) delete(m *mutation) error {
	var err error
	if err = p.expectKeyword("FROM"); err != nil {
		return err
	}
	if m.table, err = p.ident(); err != nil {
		return err
	}
	return p.keys(m)
}

// keys parses a WHERE clause that names exactly one entity by equality on
// both PartitionKey and RowKey.
func (p *parser) keys(m *mutation) error {
	if !p.keyword("WHERE") {
		return fault.InvalidArgument("%s must have a WHERE clause naming %s and %s", m.action, PartitionKey, RowKey)
	}
	var havePartition, haveRow bool
	for {
		c, err := p.condition()
		if err != nil {
			return err
		}
		if c.op != "=" {
			return fault.Operation(fault.CodeUnsupported, "%s supports only equality conditions", m.action)
		}
		switch {
		case c.column == PartitionKey && !havePartition:
			if m.partition, err = keyString(PartitionKey, c.value); err != nil {
				return err
			}
			havePartition = true
		case c.column == RowKey && !haveRow:
			if m.row, err = keyString(RowKey, c.value); err != nil {
				return err
			}
			haveRow = true
		default:
			return fault.Operation(fault.CodeUnsupported,
				"%s has unsupported conditions in WHERE clause - only %s and %s equality conditions are supported",
				m.action, PartitionKey, RowKey)
		}
		if !p.keyword("AND") {
			break
		}
	}
	if !havePartition || !haveRow {
		return fault.InvalidArgument("%s must specify both %s and %s", m.action, PartitionKey, RowKey)
	}
	return nil
}

func keyString(name string, v host.Value) (string, error) {
	if v.Type != host.TypeString || v.IsNull() {
		return "", fault.InvalidArgument("%s must be a non-null string", name)
	}
	s, err := v.Str()
	if err != nil {
		return "", fault.InvalidArgument("%s: %v", name, err)
	}
	if err := validKey(s); err != nil {
		return "", fault.InvalidArgument("%s: %v", name, err)
	}
	return s, nil
}

func validKey(s string) error {
	if len(s) > maxKeySize {
		return fmt.Errorf("exceeds %d bytes", maxKeySize)
	}
	for _, r := range s {
		if r == '/' || r == '\\' || r == '#' || r == '?' || r < 0x20 || (r >= 0x7f && r <= 0x9f) {
			return fmt.Errorf("contains the forbidden character %q", r)
		}
	}
	return nil
}
