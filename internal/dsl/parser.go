package dsl

import (
	"strconv"
	"strings"
	"time"

	"github.com/agentic-research/refract/api"
	"github.com/agentic-research/refract/internal/pointer"
	"github.com/agentic-research/refract/internal/values"
)

// Parse compiles specification text into a Spec. Any failure is a
// *ParseError carrying a byte offset; no partial result is returned.
func Parse(text string) (*Spec, error) {
	p := &parser{lex: newLexer(text)}
	spec, err := p.parse()
	if err != nil {
		return nil, err
	}
	spec.Text = text
	spec.Branch = spec.Template.Branch()
	return spec, nil
}

type parser struct {
	lex    *lexer
	peeked *token
}

func (p *parser) next() (token, error) {
	if p.peeked != nil {
		t := *p.peeked
		p.peeked = nil
		return t, nil
	}
	return p.lex.next()
}

func (p *parser) peek() (token, error) {
	if p.peeked == nil {
		t, err := p.lex.next()
		if err != nil {
			return token{}, err
		}
		p.peeked = &t
	}
	return *p.peeked, nil
}

// keyword consumes the next token and checks it is the given bare word.
func (p *parser) keyword(kw string) (token, error) {
	t, err := p.next()
	if err != nil {
		return t, err
	}
	if t.kind != tokWord || t.quoted || t.raw != kw {
		return t, errAt(t.pos, "expected %q", kw)
	}
	return t, nil
}

func (p *parser) parse() (*Spec, error) {
	spec := &Spec{Options: Options{Properties: map[string]string{}}}

	if _, err := p.keyword("map"); err != nil {
		return nil, err
	}
	selTok, err := p.next()
	if err != nil {
		return nil, err
	}
	if selTok.kind != tokWord {
		return nil, errAt(selTok.pos, "expected a topic selector")
	}
	spec.Selector, err = parseSelector(selTok)
	if err != nil {
		return nil, err
	}

	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if t.kind == tokWord && !t.quoted && t.raw == "from" {
		remote, err := p.next()
		if err != nil {
			return nil, err
		}
		if remote.kind != tokWord || remote.raw == "" {
			return nil, errAt(remote.pos, "expected a remote server name")
		}
		spec.Remote, err = unescape(remote.raw, remote.pos, false)
		if err != nil {
			return nil, err
		}
		t, err = p.next()
		if err != nil {
			return nil, err
		}
	}
	if t.kind != tokWord || t.quoted || t.raw != "to" {
		return nil, errAt(t.pos, "expected %q", "to")
	}

	tmplTok, err := p.next()
	if err != nil {
		return nil, err
	}
	if tmplTok.kind != tokWord {
		return nil, errAt(tmplTok.pos, "expected a path mapping")
	}
	spec.Template, err = parseTemplate(tmplTok.raw, tmplTok.pos, true)
	if err != nil {
		return nil, err
	}

	if err := p.parseTail(spec); err != nil {
		return nil, err
	}

	// Insert transformations must all appear after non-insert ones.
	sawInsert := false
	for _, tr := range spec.Chain {
		if tr.Kind == TransformInsert {
			sawInsert = true
		} else if sawInsert {
			return nil, errAt(0, "insert transformations must come last")
		}
	}
	return spec, nil
}

// parseTail consumes transformations followed by options. Once an option has
// been seen, further transformations are rejected.
func (p *parser) parseTail(spec *Spec) error {
	inOptions := false
	seen := map[string]bool{}
	option := func(name string, pos int) error {
		if seen[name] {
			return errAt(pos, "duplicate %s option", name)
		}
		seen[name] = true
		inOptions = true
		return nil
	}
	for {
		t, err := p.next()
		if err != nil {
			return err
		}
		if t.kind == tokEOF {
			return nil
		}
		if t.kind != tokWord || t.quoted {
			return errAt(t.pos, "expected a transformation or option")
		}
		switch t.raw {
		case "patch", "process", "insert":
			if inOptions {
				return errAt(t.pos, "transformations must precede options")
			}
			tr, err := p.parseTransform(t)
			if err != nil {
				return err
			}
			spec.Chain = append(spec.Chain, tr)
		case "as":
			if err := option("value", t.pos); err != nil {
				return err
			}
			ptr, err := p.parseValueDirective()
			if err != nil {
				return err
			}
			spec.Options.Value = ptr
			spec.Options.HasValue = true
		case "type":
			if err := option("type", t.pos); err != nil {
				return err
			}
			name, err := p.next()
			if err != nil {
				return err
			}
			tt, err := api.ParseTopicType(name.raw)
			if err != nil {
				return errAt(name.pos, "%v", err)
			}
			spec.Options.Type = tt
			spec.Options.HasType = true
		case "throttle":
			if err := option("throttle", t.pos); err != nil {
				return err
			}
			th, err := p.parseThrottle()
			if err != nil {
				return err
			}
			spec.Options.Throttle = th
		case "delay":
			if err := option("delay", t.pos); err != nil {
				return err
			}
			if _, err := p.keyword("by"); err != nil {
				return err
			}
			d, err := p.parseDuration(true)
			if err != nil {
				return err
			}
			spec.Options.Delay = d
		case "separator":
			if err := option("separator", t.pos); err != nil {
				return err
			}
			sep, err := p.next()
			if err != nil {
				return err
			}
			if sep.kind != tokWord {
				return errAt(sep.pos, "expected a separator replacement")
			}
			repl, err := unescape(sep.raw, sep.pos, false)
			if err != nil {
				return err
			}
			if repl == "" || strings.Contains(repl, "//") {
				return errAt(sep.pos, "separator replacement must not produce empty path segments")
			}
			spec.Options.Separator = repl
			spec.Options.HasSeparator = true
		case "preserve":
			if err := option("preserve", t.pos); err != nil {
				return err
			}
			if _, err := p.keyword("topics"); err != nil {
				return err
			}
			spec.Options.PreserveTopics = true
		case "with":
			if err := option("properties", t.pos); err != nil {
				return err
			}
			if _, err := p.keyword("properties"); err != nil {
				return err
			}
			if err := p.parseProperties(spec); err != nil {
				return err
			}
		default:
			return errAt(t.pos, "unexpected clause %q", t.raw)
		}
	}
}

func (p *parser) parseTransform(kw token) (Transform, error) {
	switch kw.raw {
	case "patch":
		body, err := p.next()
		if err != nil {
			return Transform{}, err
		}
		if body.kind != tokWord || !body.quoted {
			return Transform{}, errAt(body.pos, "patch requires a quoted JSON patch string")
		}
		text, err := unescape(body.raw, body.pos, false)
		if err != nil {
			return Transform{}, err
		}
		ops, err := parsePatch(text, body.pos)
		if err != nil {
			return Transform{}, err
		}
		return Transform{Kind: TransformPatch, Patch: ops}, nil
	case "process":
		body, err := p.next()
		if err != nil {
			return Transform{}, err
		}
		if body.kind != tokBlock {
			return Transform{}, errAt(body.pos, "process requires a {statement} block")
		}
		st, err := parseProcess(body.raw, body.pos+1)
		if err != nil {
			return Transform{}, err
		}
		return Transform{Kind: TransformProcess, Process: st}, nil
	case "insert":
		ins, err := p.parseInsert()
		if err != nil {
			return Transform{}, err
		}
		return Transform{Kind: TransformInsert, Insert: ins}, nil
	}
	return Transform{}, errAt(kw.pos, "unknown transformation %q", kw.raw)
}

func (p *parser) parseInsert() (*InsertSpec, error) {
	topicTok, err := p.next()
	if err != nil {
		return nil, err
	}
	if topicTok.kind != tokWord {
		return nil, errAt(topicTok.pos, "expected an insertion topic path")
	}
	ins := &InsertSpec{}
	ins.Topic, err = parseTemplate(topicTok.raw, topicTok.pos, false)
	if err != nil {
		return nil, err
	}

	t, err := p.peek()
	if err != nil {
		return nil, err
	}
	if t.kind == tokWord && !t.quoted && t.raw == "key" {
		p.next()
		ptr, err := p.parsePointerWord("key")
		if err != nil {
			return nil, err
		}
		ins.FromKey = ptr
		ins.HasFromKey = true
	}

	if _, err := p.keyword("at"); err != nil {
		return nil, err
	}
	ins.At, err = p.parsePointerWord("at")
	if err != nil {
		return nil, err
	}
	if ins.At.IsRoot() {
		return nil, errAt(0, "insertion key must not be the document root")
	}

	t, err = p.peek()
	if err != nil {
		return nil, err
	}
	if t.kind == tokWord && !t.quoted && t.raw == "default" {
		p.next()
		def, err := p.next()
		if err != nil {
			return nil, err
		}
		if def.kind != tokWord {
			return nil, errAt(def.pos, "expected a default value")
		}
		ins.Default, err = literalFromToken(def)
		if err != nil {
			return nil, err
		}
		ins.HasDefault = true
	}
	return ins, nil
}

func (p *parser) parsePointerWord(clause string) (pointer.Pointer, error) {
	t, err := p.next()
	if err != nil {
		return pointer.Pointer{}, err
	}
	if t.kind != tokWord {
		return pointer.Pointer{}, errAt(t.pos, "expected a JSON pointer after %q", clause)
	}
	text, err := unescape(t.raw, t.pos, false)
	if err != nil {
		return pointer.Pointer{}, err
	}
	ptr, err := pointer.Parse(text)
	if err != nil {
		return pointer.Pointer{}, errAt(t.pos, "%s: %v", clause, err)
	}
	return ptr, nil
}

// literalFromToken interprets a default-value token: quoted text is a
// string; bare text may be an integer or boolean, else a string.
func literalFromToken(t token) (any, error) {
	text, err := unescape(t.raw, t.pos, false)
	if err != nil {
		return nil, err
	}
	if t.quoted {
		return text, nil
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, nil
	}
	switch text {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return text, nil
}

// parseValueDirective reads the <value(pointer)> directive of the "as"
// option.
func (p *parser) parseValueDirective() (pointer.Pointer, error) {
	t, err := p.next()
	if err != nil {
		return pointer.Pointer{}, err
	}
	if t.kind != tokWord {
		return pointer.Pointer{}, errAt(t.pos, "expected a value directive")
	}
	raw := t.raw
	if !strings.HasPrefix(raw, "<value(") {
		return pointer.Pointer{}, errAt(t.pos, "expected <value(pointer)>")
	}
	params, consumed, err := scanParams(raw[len("<value("):], t.pos+len("<value("))
	if err != nil {
		return pointer.Pointer{}, err
	}
	rest := raw[len("<value(")+consumed:]
	if rest != ">" {
		return pointer.Pointer{}, errAt(t.pos, "value directive is missing '>'")
	}
	if len(params) != 1 {
		return pointer.Pointer{}, errAt(t.pos, "value takes exactly one JSON pointer")
	}
	ptr, err := pointer.Parse(params[0])
	if err != nil {
		return pointer.Pointer{}, errAt(t.pos, "value: %v", err)
	}
	return ptr, nil
}

// parseThrottle reads "to N update[s] every [M] unit".
func (p *parser) parseThrottle() (*ThrottleOption, error) {
	if _, err := p.keyword("to"); err != nil {
		return nil, err
	}
	nTok, err := p.next()
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(nTok.raw)
	if err != nil || n < 1 {
		return nil, errAt(nTok.pos, "throttle: bad update count %q", nTok.raw)
	}
	u, err := p.next()
	if err != nil {
		return nil, err
	}
	if u.raw != "update" && u.raw != "updates" {
		return nil, errAt(u.pos, `throttle: expected "updates"`)
	}
	if _, err := p.keyword("every"); err != nil {
		return nil, err
	}
	period, err := p.parseDuration(false)
	if err != nil {
		return nil, err
	}
	return &ThrottleOption{Updates: n, Period: period}, nil
}

// parseDuration reads "[N] unit". requireCount demands the leading integer;
// otherwise "every second" style shorthand is accepted.
func (p *parser) parseDuration(requireCount bool) (time.Duration, error) {
	t, err := p.next()
	if err != nil {
		return 0, err
	}
	count := 1
	unitTok := t
	if n, numErr := strconv.Atoi(t.raw); numErr == nil {
		if n < 1 {
			return 0, errAt(t.pos, "duration must be positive")
		}
		count = n
		unitTok, err = p.next()
		if err != nil {
			return 0, err
		}
	} else if requireCount {
		return 0, errAt(t.pos, "expected a duration count")
	}
	var unit time.Duration
	switch unitTok.raw {
	case "second", "seconds":
		unit = time.Second
	case "minute", "minutes":
		unit = time.Minute
	case "hour", "hours":
		unit = time.Hour
	default:
		return 0, errAt(unitTok.pos, "unknown time unit %q", unitTok.raw)
	}
	return time.Duration(count) * unit, nil
}

// parseProperties reads the "with properties K:V, K:V" list. Keys are
// case-insensitive on input and canonicalised to upper case; only
// overridable properties may be set.
func (p *parser) parseProperties(spec *Spec) error {
	expectMore := true
	for expectMore {
		t, err := p.next()
		if err != nil {
			return err
		}
		if t.kind != tokWord {
			return errAt(t.pos, "expected a KEY:value property mapping")
		}
		entry, err := unescape(t.raw, t.pos, false)
		if err != nil {
			return err
		}
		entry, expectMore = strings.CutSuffix(entry, ",")
		if !expectMore {
			// The comma may be attached to the next token instead.
			nxt, err := p.peek()
			if err != nil {
				return err
			}
			if nxt.kind == tokWord && !nxt.quoted && strings.HasPrefix(nxt.raw, ",") {
				p.next()
				if nxt.raw != "," {
					return errAt(nxt.pos, "expected a property mapping after ','")
				}
				expectMore = true
			}
		}
		key, val, ok := strings.Cut(entry, ":")
		if !ok || key == "" || val == "" {
			return errAt(t.pos, "property mapping must be KEY:value")
		}
		key = strings.ToUpper(key)
		if !api.KnownProperty(key) {
			return errAt(t.pos, "unknown topic property %q", key)
		}
		if !api.PropertyOverridable(key) {
			return errAt(t.pos, "topic property %q cannot be set by a view", key)
		}
		if spec.Options.Properties[key] != "" {
			return errAt(t.pos, "duplicate topic property %q", key)
		}
		spec.Options.Properties[key] = val
	}
	return nil
}

func parseSelector(t token) (Selector, error) {
	raw := t.raw
	if t.quoted || !strings.HasPrefix(raw, "?") {
		prefix, err := unescape(raw, t.pos, false)
		if err != nil {
			return Selector{}, err
		}
		prefix = strings.Trim(prefix, "/")
		if prefix == "" {
			return Selector{}, errAt(t.pos, "empty topic selector")
		}
		return Selector{Kind: SelectorExact, Prefix: prefix}, nil
	}
	body := raw[1:]
	kind := SelectorExact
	if s, ok := strings.CutSuffix(body, "//"); ok {
		kind = SelectorDescendants
		body = s
	} else if s, ok := strings.CutSuffix(body, "/"); ok {
		kind = SelectorChildren
		body = s
	}
	prefix, err := unescape(body, t.pos, false)
	if err != nil {
		return Selector{}, err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return Selector{}, errAt(t.pos, "empty topic selector")
	}
	return Selector{Kind: kind, Prefix: prefix}, nil
}

// parsePatch decodes an RFC 6902 operation list from JSON text. Operation
// values keep their member order: the test operation compares canonical
// encodings, which are order-sensitive.
func parsePatch(text string, pos int) ([]PatchOp, error) {
	doc, err := values.ParseJSON(text)
	if err != nil {
		return nil, errAt(pos, "patch: %v", err)
	}
	arr, ok := doc.([]any)
	if !ok {
		return nil, errAt(pos, "patch must be a JSON array of operations")
	}
	ops := make([]PatchOp, 0, len(arr))
	for i, raw := range arr {
		obj, ok := raw.(*values.Object)
		if !ok {
			return nil, errAt(pos, "patch operation %d is not an object", i)
		}
		opRaw, _ := obj.Get("op")
		opName, _ := opRaw.(string)
		pathRaw, _ := obj.Get("path")
		pathText, hasPath := pathRaw.(string)
		if !hasPath {
			return nil, errAt(pos, "patch operation %d is missing \"path\"", i)
		}
		path, err := pointer.Parse(pathText)
		if err != nil {
			return nil, errAt(pos, "patch operation %d: %v", i, err)
		}
		op := PatchOp{Path: path}
		needsValue, needsFrom := false, false
		switch opName {
		case "add":
			op.Kind, needsValue = PatchAdd, true
		case "remove":
			op.Kind = PatchRemove
		case "replace":
			op.Kind, needsValue = PatchReplace, true
		case "move":
			op.Kind, needsFrom = PatchMove, true
		case "copy":
			op.Kind, needsFrom = PatchCopy, true
		case "test":
			op.Kind, needsValue = PatchTest, true
		default:
			return nil, errAt(pos, "patch operation %d has unknown op %q", i, opName)
		}
		if needsValue {
			v, ok := obj.Get("value")
			if !ok {
				return nil, errAt(pos, "patch operation %d is missing \"value\"", i)
			}
			op.Value = v
			op.HasValue = true
		}
		if needsFrom {
			fromRaw, _ := obj.Get("from")
			fromText, ok := fromRaw.(string)
			if !ok {
				return nil, errAt(pos, "patch operation %d is missing \"from\"", i)
			}
			op.From, err = pointer.Parse(fromText)
			if err != nil {
				return nil, errAt(pos, "patch operation %d: %v", i, err)
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}
