package api

import (
	"fmt"
	"strings"
)

// TopicType identifies the value kind carried by a source or derived entry.
type TopicType string

const (
	TypeString     TopicType = "STRING"
	TypeInt64      TopicType = "INT64"
	TypeDouble     TopicType = "DOUBLE"
	TypeJSON       TopicType = "JSON"
	TypeTimeSeries TopicType = "TIME_SERIES"
	TypeBinary     TopicType = "BINARY"
)

// ParseTopicType resolves a case-insensitive type name as used by the
// specification language's type option.
func ParseTopicType(name string) (TopicType, error) {
	switch strings.ToUpper(name) {
	case "STRING":
		return TypeString, nil
	case "INT64":
		return TypeInt64, nil
	case "DOUBLE":
		return TypeDouble, nil
	case "JSON":
		return TypeJSON, nil
	case "TIME_SERIES":
		return TypeTimeSeries, nil
	case "BINARY":
		return TypeBinary, nil
	}
	return "", fmt.Errorf("unknown topic type %q", name)
}

// Structured reports whether values of this type are tree-shaped, i.e. usable
// with scalar/expand directives and transformations.
func (t TopicType) Structured() bool {
	return t == TypeJSON || t == TypeTimeSeries
}

// EventKind classifies an inbound source-entry lifecycle event.
type EventKind string

const (
	EventAdd    EventKind = "ADD"
	EventUpdate EventKind = "UPDATE"
	EventRemove EventKind = "REMOVE"
)

// SourceEvent is the inbound notification from the source-tree collaborator.
// Value is a decoded tree (maps, slices, scalars) for structured types, a Go
// scalar for primitive types, or a []byte for binary.
type SourceEvent struct {
	Kind       EventKind         `json:"kind"`
	Path       string            `json:"path"`
	Value      any               `json:"value,omitempty"`
	Type       TopicType         `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ActionKind classifies an outbound derived-entry action.
type ActionKind string

const (
	ActionCreate  ActionKind = "CREATE"
	ActionUpdate  ActionKind = "UPDATE"
	ActionRemove  ActionKind = "REMOVE"
	ActionPublish ActionKind = "PUBLISH"
)

// Action is an outbound instruction to the distribution collaborator.
// Publish is emitted when a delayed entry's hold period elapses.
type Action struct {
	Kind       ActionKind        `json:"kind"`
	Path       string            `json:"path"`
	Value      any               `json:"value,omitempty"`
	Type       TopicType         `json:"type,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	View       string            `json:"view,omitempty"`
	SourcePath string            `json:"source_path,omitempty"`
}

// SecurityContext is captured when a view is created and carried with it.
// Enforcement is delegated to the permission oracle.
type SecurityContext struct {
	Principal string   `json:"principal"`
	Roles     []string `json:"roles,omitempty"`
}

// Topic property keys that a view's property mapping may reference.
const (
	PropCompression              = "COMPRESSION"
	PropConflation               = "CONFLATION"
	PropDontRetainValue          = "DONT_RETAIN_VALUE"
	PropOwner                    = "OWNER"
	PropPersistent               = "PERSISTENT"
	PropPriority                 = "PRIORITY"
	PropPublishValuesOnly        = "PUBLISH_VALUES_ONLY"
	PropRemoval                  = "REMOVAL"
	PropSchema                   = "SCHEMA"
	PropTidyOnUnsubscribe        = "TIDY_ON_UNSUBSCRIBE"
	PropTimeSeriesEventValueType = "TIME_SERIES_EVENT_VALUE_TYPE"
	PropTimeSeriesRetainedRange  = "TIME_SERIES_RETAINED_RANGE"
	PropTimeSeriesSubscription   = "TIME_SERIES_SUBSCRIPTION_RANGE"
	PropValidateValues           = "VALIDATE_VALUES"
)

// overridable lists the properties a property mapping may set. Everything
// else is either copied from the source or left unset, never settable.
// TIME_SERIES_RETAINED_RANGE is additionally clamped to the source's range.
var overridable = map[string]bool{
	PropCompression:             true,
	PropConflation:              true,
	PropDontRetainValue:         true,
	PropPriority:                true,
	PropPublishValuesOnly:       true,
	PropTidyOnUnsubscribe:       true,
	PropTimeSeriesRetainedRange: true,
	PropTimeSeriesSubscription:  true,
}

// copied lists the properties a derived entry inherits from its source when
// not overridden. OWNER, PERSISTENT, REMOVAL and VALIDATE_VALUES are never
// carried: derived entries are not persisted, cannot be removed directly and
// cannot reject updates.
var copied = map[string]bool{
	PropCompression:              true,
	PropConflation:               true,
	PropDontRetainValue:          true,
	PropPriority:                 true,
	PropPublishValuesOnly:        true,
	PropSchema:                   true,
	PropTidyOnUnsubscribe:        true,
	PropTimeSeriesEventValueType: true,
	PropTimeSeriesRetainedRange:  true,
	PropTimeSeriesSubscription:   true,
}

// PropertyOverridable reports whether a property mapping may set key.
// The key must already be in canonical (upper-case) form.
func PropertyOverridable(key string) bool { return overridable[key] }

// PropertyCopied reports whether key is inherited from the source entry.
func PropertyCopied(key string) bool { return copied[key] }

// KnownProperty reports whether key names a topic property at all.
func KnownProperty(key string) bool {
	switch key {
	case PropCompression, PropConflation, PropDontRetainValue, PropOwner,
		PropPersistent, PropPriority, PropPublishValuesOnly, PropRemoval,
		PropSchema, PropTidyOnUnsubscribe, PropTimeSeriesEventValueType,
		PropTimeSeriesRetainedRange, PropTimeSeriesSubscription,
		PropValidateValues:
		return true
	}
	return false
}
