package dsl

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/agentic-research/refract/internal/pointer"
)

// scan is a cursor over the body of a process block, a condition string or a
// calc expression.
type scan struct {
	s    string
	i    int
	base int // offset of s within the full specification text
}

func (sc *scan) pos() int { return sc.base + sc.i }

func (sc *scan) skipSpace() {
	for sc.i < len(sc.s) && unicode.IsSpace(rune(sc.s[sc.i])) {
		sc.i++
	}
}

func (sc *scan) eof() bool {
	sc.skipSpace()
	return sc.i >= len(sc.s)
}

func (sc *scan) peek() byte {
	if sc.i < len(sc.s) {
		return sc.s[sc.i]
	}
	return 0
}

// word reads a bare keyword: letters only.
func (sc *scan) word() string {
	sc.skipSpace()
	start := sc.i
	for sc.i < len(sc.s) && (unicode.IsLetter(rune(sc.s[sc.i]))) {
		sc.i++
	}
	return sc.s[start:sc.i]
}

// peekWord reads a keyword without consuming it.
func (sc *scan) peekWord() string {
	save := sc.i
	w := sc.word()
	sc.i = save
	return w
}

func (sc *scan) expect(c byte) error {
	sc.skipSpace()
	if sc.i >= len(sc.s) || sc.s[sc.i] != c {
		return errAt(sc.pos(), "expected %q", string(c))
	}
	sc.i++
	return nil
}

// until reads up to (not including) any byte in delims, with \x escapes
// resolved. Leading and trailing whitespace is trimmed.
func (sc *scan) until(delims string) (string, error) {
	var b strings.Builder
	for sc.i < len(sc.s) {
		c := sc.s[sc.i]
		if strings.IndexByte(delims, c) >= 0 {
			break
		}
		if c == '\\' {
			if sc.i+1 >= len(sc.s) {
				return "", errAt(sc.pos(), "dangling escape")
			}
			b.WriteByte(sc.s[sc.i+1])
			sc.i += 2
			continue
		}
		b.WriteByte(c)
		sc.i++
	}
	return strings.TrimSpace(b.String()), nil
}

// quoted reads a '...' or "..." string with escapes resolved.
func (sc *scan) quoted() (string, error) {
	sc.skipSpace()
	if sc.i >= len(sc.s) || (sc.s[sc.i] != '\'' && sc.s[sc.i] != '"') {
		return "", errAt(sc.pos(), "expected a quoted string")
	}
	q := sc.s[sc.i]
	sc.i++
	var b strings.Builder
	for sc.i < len(sc.s) {
		c := sc.s[sc.i]
		if c == '\\' {
			if sc.i+1 >= len(sc.s) {
				return "", errAt(sc.pos(), "dangling escape")
			}
			b.WriteByte(sc.s[sc.i+1])
			sc.i += 2
			continue
		}
		if c == q {
			sc.i++
			return b.String(), nil
		}
		b.WriteByte(c)
		sc.i++
	}
	return "", errAt(sc.pos(), "unterminated quoted string")
}

// parseProcess parses the body of a process block: either an operation list
// or an if/elseif/else conditional chain.
func parseProcess(body string, base int) (*ProcessStatement, error) {
	sc := &scan{s: body, base: base}
	st := &ProcessStatement{}
	if sc.peekWord() != "if" {
		ops, err := parseOps(sc)
		if err != nil {
			return nil, err
		}
		if !sc.eof() {
			return nil, errAt(sc.pos(), "unexpected text after operations")
		}
		st.Branches = []ProcessBranch{{Ops: ops}}
		return st, nil
	}
	sc.word() // consume "if"
	for {
		condText, err := sc.quoted()
		if err != nil {
			return nil, err
		}
		cond, err := parseCondition(condText, sc.pos())
		if err != nil {
			return nil, err
		}
		ops, err := parseOps(sc)
		if err != nil {
			return nil, err
		}
		st.Branches = append(st.Branches, ProcessBranch{Cond: cond, Ops: ops})

		switch sc.peekWord() {
		case "elseif", "elsf":
			sc.word()
			continue
		case "else":
			sc.word()
			elseOps, err := parseOps(sc)
			if err != nil {
				return nil, err
			}
			st.Else = elseOps
			st.HasElse = true
			if !sc.eof() {
				return nil, errAt(sc.pos(), "unexpected text after else clause")
			}
			return st, nil
		default:
			if !sc.eof() {
				return nil, errAt(sc.pos(), "unexpected text after conditional clause")
			}
			return st, nil
		}
	}
}

// parseOps reads a ';'-separated operation list, stopping before an
// elseif/elsf/else keyword or the end of input.
func parseOps(sc *scan) ([]ProcessOp, error) {
	var ops []ProcessOp
	for {
		switch w := sc.peekWord(); w {
		case "elseif", "elsf", "else":
			if len(ops) == 0 {
				return nil, errAt(sc.pos(), "expected an operation before %q", w)
			}
			return ops, nil
		case "":
			if sc.eof() {
				if len(ops) == 0 {
					return nil, errAt(sc.pos(), "expected an operation")
				}
				return ops, nil
			}
			return nil, errAt(sc.pos(), "expected an operation")
		}
		op, err := parseOp(sc)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		sc.skipSpace()
		if sc.peek() == ';' {
			sc.i++
			continue
		}
		// No separator: the list ends here (possibly followed by a
		// conditional keyword handled on the next loop turn).
		if sc.eof() {
			return ops, nil
		}
	}
}

func parseOp(sc *scan) (ProcessOp, error) {
	switch w := sc.word(); w {
	case "continue":
		return ProcessOp{Kind: OpContinue}, nil
	case "remove":
		if err := sc.expect('('); err != nil {
			return ProcessOp{}, err
		}
		ptrText, err := sc.until(")")
		if err != nil {
			return ProcessOp{}, err
		}
		if err := sc.expect(')'); err != nil {
			return ProcessOp{}, err
		}
		ptr, err := pointer.Parse(ptrText)
		if err != nil {
			return ProcessOp{}, errAt(sc.pos(), "remove: %v", err)
		}
		return ProcessOp{Kind: OpRemove, Ptr: ptr}, nil
	case "set":
		if err := sc.expect('('); err != nil {
			return ProcessOp{}, err
		}
		ptrText, err := sc.until(",")
		if err != nil {
			return ProcessOp{}, err
		}
		if err := sc.expect(','); err != nil {
			return ProcessOp{}, err
		}
		ptr, err := pointer.Parse(ptrText)
		if err != nil {
			return ProcessOp{}, errAt(sc.pos(), "set: %v", err)
		}
		sc.skipSpace()
		if sc.peekWord() == "calc" {
			sc.word()
			exprText, err := sc.quoted()
			if err != nil {
				return ProcessOp{}, err
			}
			expr, err := parseCalc(exprText, sc.pos())
			if err != nil {
				return ProcessOp{}, err
			}
			if err := sc.expect(')'); err != nil {
				return ProcessOp{}, err
			}
			return ProcessOp{Kind: OpSetCalc, Ptr: ptr, Calc: expr}, nil
		}
		lit, err := parseLiteral(sc)
		if err != nil {
			return ProcessOp{}, err
		}
		if err := sc.expect(')'); err != nil {
			return ProcessOp{}, err
		}
		return ProcessOp{Kind: OpSet, Ptr: ptr, Literal: lit}, nil
	default:
		return ProcessOp{}, errAt(sc.pos(), "unknown operation %q", w)
	}
}

// parseLiteral reads an integer, quoted string, or boolean.
func parseLiteral(sc *scan) (any, error) {
	sc.skipSpace()
	switch c := sc.peek(); {
	case c == '\'' || c == '"':
		return sc.quoted()
	case c == '-' || (c >= '0' && c <= '9'):
		start := sc.i
		sc.i++
		for sc.i < len(sc.s) && sc.s[sc.i] >= '0' && sc.s[sc.i] <= '9' {
			sc.i++
		}
		n, err := strconv.ParseInt(sc.s[start:sc.i], 10, 64)
		if err != nil {
			return nil, errAt(sc.base+start, "bad integer literal")
		}
		return n, nil
	default:
		switch sc.peekWord() {
		case "true":
			sc.word()
			return true, nil
		case "false":
			sc.word()
			return false, nil
		}
		return nil, errAt(sc.pos(), "expected an integer, string or boolean literal")
	}
}

// parseCondition parses a condition string: comparisons over JSON pointers
// combined with and/or/not, standard precedence (not > and > or),
// parentheses overriding.
func parseCondition(text string, base int) (*Cond, error) {
	sc := &scan{s: text, base: base}
	cond, err := parseOr(sc)
	if err != nil {
		return nil, err
	}
	if !sc.eof() {
		return nil, errAt(sc.pos(), "unexpected text after condition")
	}
	return cond, nil
}

func parseOr(sc *scan) (*Cond, error) {
	left, err := parseAnd(sc)
	if err != nil {
		return nil, err
	}
	for {
		sc.skipSpace()
		if sc.peek() == '|' {
			sc.i++
		} else if sc.peekWord() == "or" {
			sc.word()
		} else {
			return left, nil
		}
		right, err := parseAnd(sc)
		if err != nil {
			return nil, err
		}
		left = &Cond{Kind: CondOr, Left: left, Right: right}
	}
}

func parseAnd(sc *scan) (*Cond, error) {
	left, err := parseNot(sc)
	if err != nil {
		return nil, err
	}
	for {
		sc.skipSpace()
		if sc.peek() == '&' {
			sc.i++
		} else if sc.peekWord() == "and" {
			sc.word()
		} else {
			return left, nil
		}
		right, err := parseNot(sc)
		if err != nil {
			return nil, err
		}
		left = &Cond{Kind: CondAnd, Left: left, Right: right}
	}
}

func parseNot(sc *scan) (*Cond, error) {
	sc.skipSpace()
	if sc.peekWord() == "not" {
		sc.word()
		inner, err := parseNot(sc)
		if err != nil {
			return nil, err
		}
		return &Cond{Kind: CondNot, Inner: inner}, nil
	}
	return parseCondPrimary(sc)
}

func parseCondPrimary(sc *scan) (*Cond, error) {
	sc.skipSpace()
	if sc.peek() == '(' {
		sc.i++
		inner, err := parseOr(sc)
		if err != nil {
			return nil, err
		}
		if err := sc.expect(')'); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return parseComparison(sc)
}

func parseComparison(sc *scan) (*Cond, error) {
	sc.skipSpace()
	if sc.peek() != '/' {
		return nil, errAt(sc.pos(), "expected a JSON pointer")
	}
	ptrText := sc.condToken()
	ptr, err := pointer.Parse(ptrText)
	if err != nil {
		return nil, errAt(sc.pos(), "condition: %v", err)
	}
	op, err := parseCompareOp(sc)
	if err != nil {
		return nil, err
	}
	cond := &Cond{Kind: CondCompare, Ptr: ptr, Op: op}
	sc.skipSpace()
	if sc.peek() == '/' {
		rhsText := sc.condToken()
		rhs, err := pointer.Parse(rhsText)
		if err != nil {
			return nil, errAt(sc.pos(), "condition: %v", err)
		}
		cond.RHS = rhs
		cond.RHSIsPtr = true
		return cond, nil
	}
	lit, err := parseLiteral(sc)
	if err != nil {
		return nil, err
	}
	cond.Value = lit
	return cond, nil
}

// condToken reads a pointer token: up to whitespace or a grouping char.
func (sc *scan) condToken() string {
	start := sc.i
	for sc.i < len(sc.s) {
		c := sc.s[sc.i]
		if unicode.IsSpace(rune(c)) || c == '(' || c == ')' || c == '&' || c == '|' {
			break
		}
		sc.i++
	}
	return sc.s[start:sc.i]
}

func parseCompareOp(sc *scan) (CompareOp, error) {
	sc.skipSpace()
	// Symbol forms first.
	rest := sc.s[sc.i:]
	for _, sym := range []struct {
		text string
		op   CompareOp
	}{
		{">=", CmpGe}, {"<=", CmpLe}, {"!=", CmpNe},
		{"=", CmpEq}, {">", CmpGt}, {"<", CmpLt},
	} {
		if strings.HasPrefix(rest, sym.text) {
			sc.i += len(sym.text)
			return sym.op, nil
		}
	}
	switch w := sc.word(); w {
	case "eq":
		return CmpEq, nil
	case "ne":
		return CmpNe, nil
	case "gt":
		return CmpGt, nil
	case "lt":
		return CmpLt, nil
	case "ge":
		return CmpGe, nil
	case "le":
		return CmpLe, nil
	default:
		return 0, errAt(sc.pos(), "expected a relational operator, got %q", w)
	}
}

// parseCalc parses an integer arithmetic expression over literals and JSON
// pointers, with + - * / and standard precedence.
func parseCalc(text string, base int) (*CalcExpr, error) {
	sc := &scan{s: text, base: base}
	expr, err := parseCalcSum(sc)
	if err != nil {
		return nil, err
	}
	if !sc.eof() {
		return nil, errAt(sc.pos(), "unexpected text after calculation")
	}
	return expr, nil
}

func parseCalcSum(sc *scan) (*CalcExpr, error) {
	left, err := parseCalcProduct(sc)
	if err != nil {
		return nil, err
	}
	for {
		sc.skipSpace()
		c := sc.peek()
		if c != '+' && c != '-' {
			return left, nil
		}
		sc.i++
		right, err := parseCalcProduct(sc)
		if err != nil {
			return nil, err
		}
		left = &CalcExpr{Kind: CalcBinary, Op: c, Left: left, Right: right}
	}
}

func parseCalcProduct(sc *scan) (*CalcExpr, error) {
	left, err := parseCalcFactor(sc)
	if err != nil {
		return nil, err
	}
	for {
		sc.skipSpace()
		c := sc.peek()
		// '/' is division only when followed by whitespace or a digit;
		// '/name' is a pointer operand and cannot appear here anyway
		// because an operator is expected.
		if c != '*' && c != '/' {
			return left, nil
		}
		sc.i++
		right, err := parseCalcFactor(sc)
		if err != nil {
			return nil, err
		}
		left = &CalcExpr{Kind: CalcBinary, Op: c, Left: left, Right: right}
	}
}

func parseCalcFactor(sc *scan) (*CalcExpr, error) {
	sc.skipSpace()
	switch c := sc.peek(); {
	case c == '(':
		sc.i++
		inner, err := parseCalcSum(sc)
		if err != nil {
			return nil, err
		}
		if err := sc.expect(')'); err != nil {
			return nil, err
		}
		return inner, nil
	case c == '/':
		ptrText := sc.calcPointer()
		ptr, err := pointer.Parse(ptrText)
		if err != nil {
			return nil, errAt(sc.pos(), "calc: %v", err)
		}
		return &CalcExpr{Kind: CalcPointer, Ptr: ptr}, nil
	case c == '-' || (c >= '0' && c <= '9'):
		start := sc.i
		sc.i++
		for sc.i < len(sc.s) && sc.s[sc.i] >= '0' && sc.s[sc.i] <= '9' {
			sc.i++
		}
		n, err := strconv.ParseInt(sc.s[start:sc.i], 10, 64)
		if err != nil {
			return nil, errAt(sc.base+start, "bad integer in calculation")
		}
		return &CalcExpr{Kind: CalcLiteral, Value: n}, nil
	default:
		return nil, errAt(sc.pos(), "expected a number, pointer or parenthesised expression")
	}
}

// calcPointer reads a pointer operand: up to whitespace, an operator or a
// closing parenthesis.
func (sc *scan) calcPointer() string {
	start := sc.i
	for sc.i < len(sc.s) {
		c := sc.s[sc.i]
		if unicode.IsSpace(rune(c)) || c == '+' || c == '-' || c == '*' || c == ')' || c == '(' {
			break
		}
		sc.i++
	}
	return sc.s[start:sc.i]
}
