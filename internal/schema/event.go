// Package schema defines the MiniSOC wire and storage data model: the
// NormalizedEvent envelope every agent emits, the Alert record the server
// derives from detections, and the timestamp/bucket helpers both sides share.
// The JSON layout of NormalizedEvent is the agent↔server contract; field
// order in the struct is the canonical key order written to events.jsonl.
package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaEvent is the schema tag carried in the "schema" key of every
// normalized event.
const SchemaEvent = "minisoc.event.v1"

// Outcome classifies the result of the observed action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// Host identifies the machine the event was observed on.
type Host struct {
	Name string `json:"name"`
	IP   string `json:"ip,omitempty"`
}

// Source describes where the agent read the event from, e.g. kind "auth"
// with path "/var/log/auth.log" or "journald:sshd".
type Source struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
}

// EventCore carries the classification of the event.
//
// Severity is an informational 1..10 scale assigned by the parser; detection
// rules carry their own severities and do not read this one.
type EventCore struct {
	Type     string  `json:"type"`
	Action   string  `json:"action"`
	Outcome  Outcome `json:"outcome"`
	Severity int     `json:"severity"`
}

// Raw preserves the original log line alongside the tag of the parser that
// produced the event, so detections can always be traced back to evidence.
type Raw struct {
	Line   string `json:"line"`
	Parser string `json:"parser"`
}

// User is the account the event refers to. Nil when the line carried none.
type User struct {
	Name string `json:"name,omitempty"`
	UID  string `json:"uid,omitempty"`
}

// Geo is an optional coordinate attached to a source endpoint, typically by
// an enrichment step between agent and server. Rules treat a nil Geo as
// "location unknown".
type Geo struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country,omitempty"`
	City    string  `json:"city,omitempty"`
}

// NetEndpoint is the remote side of the observed connection.
type NetEndpoint struct {
	IP   string `json:"ip,omitempty"`
	Port int    `json:"port,omitempty"`
	Geo  *Geo   `json:"geo,omitempty"`
}

// NormalizedEvent is the unit of the MiniSOC pipeline: one parsed log line.
//
// EventID is generated by the agent and is the idempotency key for storage;
// re-ingesting the same event overwrites rather than duplicates. TS is wall
// time at parse in RFC3339 UTC with second precision, not the syslog
// timestamp. The internal SchemaID field appears on the wire as "schema".
type NormalizedEvent struct {
	SchemaID string       `json:"schema"`
	TS       string       `json:"ts"`
	EventID  uuid.UUID    `json:"event_id"`
	Host     Host         `json:"host"`
	Source   Source       `json:"source"`
	Event    EventCore    `json:"event"`
	Message  string       `json:"message"`
	Raw      Raw          `json:"raw"`
	User     *User        `json:"user,omitempty"`
	Src      *NetEndpoint `json:"src,omitempty"`
	Tags     []string     `json:"tags"`
}

// FieldError is a single schema violation, addressed by the JSON path of the
// offending field ("event.severity", "host.name", ...).
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("schema: field %q: %s", e.Field, e.Msg)
}

// Validate checks the event against the wire contract and returns all
// violations joined into one error. Each violation is a *FieldError, so
// callers can recover the per-field map via FieldErrors.
func (ev *NormalizedEvent) Validate() error {
	var errs []error

	fail := func(field, msg string) {
		errs = append(errs, &FieldError{Field: field, Msg: msg})
	}

	if ev.SchemaID != SchemaEvent {
		fail("schema", fmt.Sprintf("unsupported schema %q, want %q", ev.SchemaID, SchemaEvent))
	}
	if ev.EventID == uuid.Nil {
		fail("event_id", "required")
	}
	if ev.TS == "" {
		fail("ts", "required")
	} else if _, err := time.Parse(time.RFC3339, ev.TS); err != nil {
		fail("ts", "not an RFC3339 timestamp")
	}
	if ev.Host.Name == "" {
		fail("host.name", "required")
	}
	if ev.Source.Kind == "" {
		fail("source.kind", "required")
	}
	if ev.Event.Type == "" {
		fail("event.type", "required")
	}
	if ev.Event.Action == "" {
		fail("event.action", "required")
	}
	switch ev.Event.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeUnknown:
	default:
		fail("event.outcome", fmt.Sprintf("invalid outcome %q", ev.Event.Outcome))
	}
	if ev.Event.Severity < 1 || ev.Event.Severity > 10 {
		fail("event.severity", "must be between 1 and 10")
	}
	if ev.Message == "" {
		fail("message", "required")
	}
	if ev.Raw.Line == "" {
		fail("raw.line", "required")
	}
	if ev.Raw.Parser == "" {
		fail("raw.parser", "required")
	}

	return errors.Join(errs...)
}

// FieldErrors flattens a Validate error into a field→message map suitable
// for an HTTP 400 body. A nil error yields a nil map; error values that are
// not FieldErrors are keyed under "_".
func FieldErrors(err error) map[string]string {
	if err == nil {
		return nil
	}
	fields := make(map[string]string)
	collect(err, fields)
	return fields
}

func collect(err error, fields map[string]string) {
	switch e := err.(type) {
	case *FieldError:
		fields[e.Field] = e.Msg
	case interface{ Unwrap() []error }:
		for _, sub := range e.Unwrap() {
			collect(sub, fields)
		}
	default:
		fields["_"] = err.Error()
	}
}
