package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Context attribute names handled explicitly when bridging envelopes.
const (
	attrID              = "id"
	attrSource          = "source"
	attrType            = "type"
	attrSpecVersion     = "specversion"
	attrSubject         = "subject"
	attrTime            = "time"
	attrDataSchema      = "dataschema"
	attrDataContentType = "datacontenttype"
	attrData            = "data"
)

// FromMap builds a CloudEvent from the flat attribute map workflows emit.
// Unknown keys become extension attributes, which CloudEvents restricts to
// scalar values.
func FromMap(attrs map[string]any) (*cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	var data any
	hasData := false
	contentType := ""

	for k, v := range attrs {
		switch k {
		case attrID:
			e.SetID(attrString(v))
		case attrSource:
			e.SetSource(attrString(v))
		case attrType:
			e.SetType(attrString(v))
		case attrSpecVersion:
			e.SetSpecVersion(attrString(v))
		case attrSubject:
			e.SetSubject(attrString(v))
		case attrDataSchema:
			e.SetDataSchema(attrString(v))
		case attrDataContentType:
			contentType = attrString(v)
		case attrTime:
			t, err := time.Parse(time.RFC3339Nano, attrString(v))
			if err != nil {
				return nil, fmt.Errorf("invalid event time %q: %w", v, err)
			}
			e.SetTime(t)
		case attrData:
			data = v
			hasData = true
		default:
			if err := e.Context.SetExtension(strings.ToLower(k), v); err != nil {
				return nil, fmt.Errorf("invalid event extension %q: %w", k, err)
			}
		}
	}

	if hasData {
		if contentType == "" {
			contentType = cloudevents.ApplicationJSON
		}
		if err := e.SetData(contentType, data); err != nil {
			return nil, fmt.Errorf("setting event data: %w", err)
		}
	} else if contentType != "" {
		e.SetDataContentType(contentType)
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return &e, nil
}

// ToMap flattens an event into the envelope form listen filters match
// against: context attributes, extensions, and the decoded data payload.
func ToMap(e *cloudevents.Event) map[string]any {
	out := map[string]any{
		attrID:          e.ID(),
		attrSource:      e.Source(),
		attrType:        e.Type(),
		attrSpecVersion: e.SpecVersion(),
	}
	if !e.Time().IsZero() {
		out[attrTime] = e.Time().UTC().Format(time.RFC3339Nano)
	}
	if s := e.Subject(); s != "" {
		out[attrSubject] = s
	}
	if s := e.DataSchema(); s != "" {
		out[attrDataSchema] = s
	}
	if ct := e.DataContentType(); ct != "" {
		out[attrDataContentType] = ct
	}
	for k, v := range e.Extensions() {
		out[k] = v
	}
	if raw := e.Data(); len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out[attrData] = decoded
		} else {
			out[attrData] = string(raw)
		}
	}
	return out
}

func attrString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
