package dsl

import (
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func unmarshalYAML(s string, v any) error {
	return yaml.Unmarshal([]byte(s), v)
}

const pipelineDoc = `
document:
  dsl: "1.0.0"
  namespace: test
  name: set-pipeline
  version: "0.1.0"
input:
  from: "${ {v: .} }"
do:
  - a:
      set:
        v: "${ .v + 1 }"
  - b:
      set:
        v: "${ .v + 1 }"
output:
  as: "${ .v }"
`

func TestParsePipeline(t *testing.T) {
	wf, err := Parse([]byte(pipelineDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if wf.Document.Name != "set-pipeline" {
		t.Errorf("name = %q, want set-pipeline", wf.Document.Name)
	}
	if wf.Key() != "set-pipeline/0.1.0" {
		t.Errorf("key = %q", wf.Key())
	}
	if len(wf.Do) != 2 {
		t.Fatalf("len(do) = %d, want 2", len(wf.Do))
	}
	if wf.Do[0].Name != "a" || wf.Do[1].Name != "b" {
		t.Errorf("task order = %q, %q; want a, b", wf.Do[0].Name, wf.Do[1].Name)
	}
	if got := wf.Do[0].Task.Kind(); got != KindSet {
		t.Errorf("kind = %q, want set", got)
	}
	if wf.Input == nil || wf.Input.From != "${ {v: .} }" {
		t.Errorf("input.from not preserved: %+v", wf.Input)
	}
}

func TestParseJSONDocument(t *testing.T) {
	doc := `{
	  "document": {"dsl": "1.0.0", "namespace": "test", "name": "js", "version": "1.0.0"},
	  "do": [{"wait": {"wait": "PT30S"}}]
	}`
	wf, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := wf.Do[0].Task.Kind(); got != KindWait {
		t.Errorf("kind = %q, want wait", got)
	}
	if got := wf.Do[0].Task.Wait.Value(); got != 30*time.Second {
		t.Errorf("wait = %v, want 30s", got)
	}
}

func TestTaskKindDetection(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want TaskKind
	}{
		{"set", `{set: {v: 1}}`, KindSet},
		{"set expression", `{set: "${ {v: 1} }"}`, KindSet},
		{"do", `{do: [{a: {set: {v: 1}}}]}`, KindDo},
		{"for keeps do as body", `{for: {in: ".list"}, do: [{a: {set: {v: 1}}}]}`, KindFor},
		{"switch", `{switch: [{low: {when: "${ . == 1 }", then: exit}}]}`, KindSwitch},
		{"fork", `{fork: {branches: [{a: {set: {v: 1}}}]}}`, KindFork},
		{"try", `{try: [{a: {set: {v: 1}}}], catch: {}}`, KindTry},
		{"raise", `{raise: {error: {type: "https://example.com/oops", status: 500}}}`, KindRaise},
		{"wait", `{wait: PT5S}`, KindWait},
		{"call", `{call: http, with: {method: get, endpoint: "https://example.com"}}`, KindCall},
		{"listen", `{listen: {to: {one: {with: {type: greeted}}}}}`, KindListen},
		{"emit", `{emit: {event: {with: {type: greeted, source: test}}}}`, KindEmit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var task Task
			if err := unmarshalYAML(tt.yaml, &task); err != nil {
				t.Fatalf("decode error = %v", err)
			}
			if got := task.Kind(); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDurationForms(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{"iso seconds", `PT30S`, 30 * time.Second},
		{"iso minutes", `PT1M30S`, 90 * time.Second},
		{"iso days", `P1D`, 24 * time.Hour},
		{"components", `{minutes: 2, seconds: 5}`, 2*time.Minute + 5*time.Second},
		{"milliseconds", `{milliseconds: 250}`, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			if err := unmarshalYAML(tt.yaml, &d); err != nil {
				t.Fatalf("decode error = %v", err)
			}
			if d.Value() != tt.want {
				t.Errorf("Value() = %v, want %v", d.Value(), tt.want)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "missing name",
			doc:     "document: {dsl: '1.0.0', namespace: test, version: '1.0.0'}\ndo: [{a: {set: {v: 1}}}]",
			wantErr: "document.name is required",
		},
		{
			name:    "empty do",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: []",
			wantErr: "at least one task",
		},
		{
			name:    "no kind",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: [{a: {if: '${ true }'}}]",
			wantErr: "no recognized kind",
		},
		{
			name:    "two kinds",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: [{a: {set: {v: 1}, wait: PT1S}}]",
			wantErr: "multiple kinds",
		},
		{
			name:    "duplicate sibling",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: [{a: {set: {v: 1}}}, {a: {set: {v: 2}}}]",
			wantErr: "duplicate task name",
		},
		{
			name:    "dangling then",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: [{a: {set: {v: 1}, then: missing}}]",
			wantErr: "unknown sibling",
		},
		{
			name:    "unknown call kind",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: [{a: {call: smtp, with: {}}}]",
			wantErr: "unknown call kind",
		},
		{
			name:    "raise without error",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: [{a: {raise: {}}}]",
			wantErr: "raise.error is required",
		},
		{
			name:    "raise unknown ref",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: [{a: {raise: {error: nope}}}]",
			wantErr: "unknown error",
		},
		{
			name:    "switch case without then",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: [{a: {switch: [{c: {when: '${ true }'}}]}}]",
			wantErr: "no then directive",
		},
		{
			name:    "fork compete",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: [{a: {fork: {compete: true, branches: [{b: {set: {v: 1}}}]}}}]",
			wantErr: "not supported",
		},
		{
			name:    "listen two strategies",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: [{a: {listen: {to: {one: {with: {type: t}}, any: [{with: {type: u}}]}}}}]",
			wantErr: "exactly one of",
		},
		{
			name:    "while without for",
			doc:     "document: {dsl: '1.0.0', namespace: test, name: x, version: '1.0.0'}\ndo: [{a: {set: {v: 1}, while: '${ true }'}}]",
			wantErr: "while requires a for",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatalf("Parse() succeeded, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestErrorFilterMatches(t *testing.T) {
	raised := &Error{Type: ErrorTypeCommunication, Status: 500, Title: "boom", Instance: "/do/0/a"}
	tests := []struct {
		name   string
		filter *ErrorFilter
		want   bool
	}{
		{"nil matches all", nil, true},
		{"empty matches all", &ErrorFilter{}, true},
		{"status match", &ErrorFilter{Status: 500}, true},
		{"status mismatch", &ErrorFilter{Status: 404}, false},
		{"type and status", &ErrorFilter{Type: ErrorTypeCommunication, Status: 500}, true},
		{"type mismatch", &ErrorFilter{Type: ErrorTypeTimeout, Status: 500}, false},
		{"instance match", &ErrorFilter{Instance: "/do/0/a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(raised); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
