package dsl

import (
	"strconv"
	"strings"

	"github.com/agentic-research/refract/internal/pointer"
)

// parseTemplate parses a path mapping template: literal text with embedded
// <directive(params)> elements. allowExpand is false for insertion topic
// paths, which may not fan out.
func parseTemplate(raw string, pos int, allowExpand bool) (Template, error) {
	var out Template
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			out = append(out, TemplateItem{Kind: ItemLiteral, Text: lit.String()})
			lit.Reset()
		}
	}
	i := 0
	for i < len(raw) {
		switch c := raw[i]; c {
		case '\\':
			if i+1 >= len(raw) {
				return nil, errAt(pos+i, "dangling escape")
			}
			if raw[i+1] == '/' {
				return nil, errAt(pos+i, `\/ is not allowed in a path fragment`)
			}
			lit.WriteByte(raw[i+1])
			i += 2
		case '<':
			flush()
			item, n, err := parseDirective(raw[i:], pos+i, allowExpand)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
			i += n
		case '>':
			return nil, errAt(pos+i, "unexpected '>' outside a directive")
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	if len(out) == 0 {
		return nil, errAt(pos, "empty path mapping")
	}
	return out, nil
}

// parseDirective parses one <name(params)> directive starting at raw[0] ==
// '<'. It returns the item and the number of bytes consumed.
func parseDirective(raw string, pos int, allowExpand bool) (TemplateItem, int, error) {
	open := strings.IndexByte(raw, '(')
	if open < 0 {
		return TemplateItem{}, 0, errAt(pos, "directive is missing '('")
	}
	name := raw[1:open]
	params, consumed, err := scanParams(raw[open+1:], pos+open+1)
	if err != nil {
		return TemplateItem{}, 0, err
	}
	end := open + 1 + consumed // index just past ')'
	if end >= len(raw) || raw[end] != '>' {
		return TemplateItem{}, 0, errAt(pos+end, "directive is missing '>'")
	}
	end++

	switch name {
	case "path":
		item, err := pathDirective(params, pos)
		return item, end, err
	case "scalar":
		if len(params) != 1 {
			return TemplateItem{}, 0, errAt(pos, "scalar takes exactly one JSON pointer")
		}
		ptr, err := pointer.Parse(params[0])
		if err != nil {
			return TemplateItem{}, 0, errAt(pos, "scalar: %v", err)
		}
		return TemplateItem{Kind: ItemScalar, Ptr: ptr}, end, nil
	case "expand":
		if !allowExpand {
			return TemplateItem{}, 0, errAt(pos, "expand is not allowed here")
		}
		item, err := expandDirective(params, pos)
		return item, end, err
	default:
		return TemplateItem{}, 0, errAt(pos, "unknown directive %q", name)
	}
}

func pathDirective(params []string, pos int) (TemplateItem, error) {
	if len(params) == 0 || len(params) > 2 {
		return TemplateItem{}, errAt(pos, "path takes one or two parameters")
	}
	start, err := strconv.Atoi(strings.TrimSpace(params[0]))
	if err != nil || start < 0 {
		return TemplateItem{}, errAt(pos, "path: bad start index %q", params[0])
	}
	count := -1
	if len(params) == 2 {
		count, err = strconv.Atoi(strings.TrimSpace(params[1]))
		if err != nil || count < 1 {
			return TemplateItem{}, errAt(pos, "path: bad part count %q", params[1])
		}
	}
	return TemplateItem{Kind: ItemPath, Start: start, Count: count}, nil
}

func expandDirective(params []string, pos int) (TemplateItem, error) {
	if len(params) > 2 {
		return TemplateItem{}, errAt(pos, "expand takes at most two parameters")
	}
	item := TemplateItem{Kind: ItemExpand}
	if len(params) >= 1 && params[0] != "" {
		ptr, err := pointer.Parse(params[0])
		if err != nil {
			return TemplateItem{}, errAt(pos, "expand: %v", err)
		}
		item.Ptr = ptr
	}
	if len(params) == 2 {
		if params[1] == "" {
			return TemplateItem{}, errAt(pos, "expand: empty label pointer")
		}
		label, err := pointer.Parse(params[1])
		if err != nil {
			return TemplateItem{}, errAt(pos, "expand: %v", err)
		}
		item.Label = label
		item.HasLabel = true
	}
	return item, nil
}

// scanParams reads a comma-separated parameter list terminated by an
// unescaped ')'. A literal ')' or ',' inside a parameter must be escaped.
// Whitespace is significant and preserved. Returns the parameters and the
// number of bytes consumed including the closing parenthesis. An empty
// parameter list yields no parameters.
func scanParams(raw string, pos int) ([]string, int, error) {
	var params []string
	var cur strings.Builder
	sawAny := false
	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; c {
		case '\\':
			if i+1 >= len(raw) {
				return nil, 0, errAt(pos+i, "dangling escape")
			}
			cur.WriteByte(raw[i+1])
			i++
		case ',':
			params = append(params, cur.String())
			cur.Reset()
			sawAny = true
		case ')':
			if sawAny || cur.Len() > 0 {
				params = append(params, cur.String())
			}
			return params, i + 1, nil
		default:
			cur.WriteByte(c)
		}
	}
	return nil, 0, errAt(pos, "unterminated parameter list")
}
