package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Change-feed event types and the table the chat core listens to.
const (
	FeedInsert = "INSERT"
	FeedUpdate = "UPDATE"
	FeedDelete = "DELETE"

	MessagesTable = "messages"
)

// ErrUnsupportedEvent is returned for well-formed feed events the chat core
// does not consume (updates, deletes, other tables).
var ErrUnsupportedEvent = errors.New("protocol: unsupported feed event")

// ParseError describes a feed or broadcast payload that failed validation.
// Field names the first offending field ("" when the whole payload is bad).
type ParseError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("protocol: invalid payload: %s", e.Reason)
	}
	return fmt.Sprintf("protocol: invalid payload field %q: %s", e.Field, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FeedEvent is the envelope emitted by the messages table trigger:
//
//	{"type":"INSERT","table":"messages","record":{...}}
type FeedEvent struct {
	Type   string          `json:"type"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// InsertRecord is the row carried by an INSERT notification. CreatedAt is
// the zero time when the payload timestamp could not be parsed.
type InsertRecord struct {
	ID          string
	Content     string
	SenderID    string
	SenderEmail string
	CreatedAt   time.Time
}

type insertRow struct {
	ID          *string `json:"id"`
	Content     *string `json:"content"`
	SenderID    *string `json:"sender_id"`
	SenderEmail *string `json:"sender_email"`
	CreatedAt   *string `json:"created_at"`
}

// ParseInsert decodes an INSERT notification for the messages table.
//
// The record is filled best-effort: when a field is missing or malformed the
// remaining fields are still populated and a *ParseError is returned next to
// it, so callers can fall back to whatever the payload did carry. A record
// without an ID is never usable. ErrUnsupportedEvent is returned for events
// of other types or tables.
func ParseInsert(data []byte) (InsertRecord, error) {
	var rec InsertRecord

	var ev FeedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return rec, &ParseError{Reason: "malformed envelope", Err: err}
	}
	if ev.Type != FeedInsert || ev.Table != MessagesTable {
		return rec, fmt.Errorf("%w: type=%q table=%q", ErrUnsupportedEvent, ev.Type, ev.Table)
	}
	if len(ev.Record) == 0 || string(ev.Record) == "null" {
		return rec, &ParseError{Field: "record", Reason: "missing"}
	}

	var row insertRow
	if err := json.Unmarshal(ev.Record, &row); err != nil {
		return rec, &ParseError{Field: "record", Reason: "malformed", Err: err}
	}

	var perr *ParseError
	note := func(field, reason string, err error) {
		if perr == nil {
			perr = &ParseError{Field: field, Reason: reason, Err: err}
		}
	}

	if row.ID == nil || *row.ID == "" {
		note("id", "missing", nil)
	} else {
		rec.ID = *row.ID
	}
	if row.Content == nil {
		note("content", "missing", nil)
	} else {
		rec.Content = *row.Content
	}
	if row.SenderID == nil || *row.SenderID == "" {
		note("sender_id", "missing", nil)
	} else {
		rec.SenderID = *row.SenderID
	}
	if row.SenderEmail != nil {
		rec.SenderEmail = *row.SenderEmail
	}
	if row.CreatedAt == nil {
		note("created_at", "missing", nil)
	} else if ts, err := ParseTimestamp(*row.CreatedAt); err != nil {
		note("created_at", "malformed", err)
	} else {
		rec.CreatedAt = ts
	}

	if perr != nil {
		return rec, perr
	}
	return rec, nil
}

// NewInsertEvent encodes a row in the same shape the Postgres trigger emits.
// The SQLite backend uses it to feed in-process subscribers.
func NewInsertEvent(rec InsertRecord) ([]byte, error) {
	row := map[string]interface{}{
		"id":         rec.ID,
		"content":    rec.Content,
		"sender_id":  rec.SenderID,
		"created_at": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.SenderEmail != "" {
		row["sender_email"] = rec.SenderEmail
	} else {
		row["sender_email"] = nil
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal record: %w", err)
	}
	out, err := json.Marshal(FeedEvent{Type: FeedInsert, Table: MessagesTable, Record: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal feed event: %w", err)
	}
	return out, nil
}

// timestampLayouts covers RFC 3339 plus the space-separated form Postgres
// and SQLite produce when a timestamp is cast to text.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses the timestamp formats seen on feed payloads.
func ParseTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
