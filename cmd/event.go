package cmd

import (
	"fmt"

	"github.com/agentic-research/refract/api"
	"github.com/agentic-research/refract/internal/values"
)

// decodeSourceEvent parses one JSONL source event. Structured values keep
// their member order, which the engine's canonical comparisons depend on.
func decodeSourceEvent(text string) (api.SourceEvent, error) {
	doc, err := values.ParseJSON(text)
	if err != nil {
		return api.SourceEvent{}, err
	}
	obj, ok := doc.(*values.Object)
	if !ok {
		return api.SourceEvent{}, fmt.Errorf("event is not a JSON object")
	}
	var ev api.SourceEvent
	kind, err := stringField(obj, "kind")
	if err != nil {
		return api.SourceEvent{}, err
	}
	ev.Kind = api.EventKind(kind)
	if ev.Path, err = stringField(obj, "path"); err != nil {
		return api.SourceEvent{}, err
	}
	typ, err := stringField(obj, "type")
	if err != nil {
		return api.SourceEvent{}, err
	}
	ev.Type = api.TopicType(typ)
	if v, ok := obj.Get("value"); ok {
		ev.Value = v
	}
	if v, ok := obj.Get("properties"); ok {
		props, ok := v.(*values.Object)
		if !ok {
			return api.SourceEvent{}, fmt.Errorf(`"properties" must be an object`)
		}
		m := make(map[string]string, props.Len())
		for _, k := range props.Keys() {
			pv, _ := props.Get(k)
			s, ok := pv.(string)
			if !ok {
				return api.SourceEvent{}, fmt.Errorf("property %q must be a string", k)
			}
			m[k] = s
		}
		ev.Properties = m
	}
	return ev, nil
}

func stringField(obj *values.Object, key string) (string, error) {
	v, ok := obj.Get(key)
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%q must be a string", key)
	}
	return s, nil
}
