package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mklimuk/agenda-pilot/pkg/recurrence"
)

// ID is a record identifier. Older data files hold numeric ids, so both JSON
// numbers and strings are accepted; it is always written back as a string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", string(b), err)
	}
	*id = ID(n.String())
	return nil
}

// Task is a concrete, dated agenda entry. Only the typed fields are read by
// the engine and the chat commands; a key whose value does not fit its typed
// field stays in Extra as written.
type Task struct {
	ID                ID         `json:"id"`
	Title             string     `json:"title,omitempty"`
	Description       string     `json:"description,omitempty"`
	Priority          string     `json:"priority,omitempty"`
	Category          string     `json:"category,omitempty"`
	Completed         bool       `json:"completed"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Date              string     `json:"date,omitempty"`
	Datetime          *time.Time `json:"datetime,omitempty"`
	RecurringParentID string     `json:"recurring_parent_id,omitempty"`
	Created           *time.Time `json:"created,omitempty"`

	// Extra holds every other key of the record, kept verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

type taskAlias Task

// MarshalJSON merges the typed fields over Extra. A typed field left at its
// zero value does not replace a verbatim value of the same key.
func (t Task) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(taskAlias(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return b, nil
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(b, &known); err != nil {
		return nil, err
	}
	merged := make(map[string]json.RawMessage, len(t.Extra)+len(known))
	for k, v := range t.Extra {
		merged[k] = v
	}
	for k, v := range known {
		if _, kept := t.Extra[k]; kept && isZeroJSON(v) {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known keys one by one. A value of the wrong shape
// (a numeric priority, an offset-less datetime, a millisecond timestamp) is
// kept in Extra instead of failing the record.
func (t *Task) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var out Task
	decodeField(raw, "id", &out.ID)
	decodeField(raw, "title", &out.Title)
	decodeField(raw, "description", &out.Description)
	decodeField(raw, "priority", &out.Priority)
	decodeField(raw, "category", &out.Category)
	decodeField(raw, "completed", &out.Completed)
	decodeField(raw, "completed_at", &out.CompletedAt)
	decodeField(raw, "date", &out.Date)
	decodeField(raw, "datetime", &out.Datetime)
	decodeField(raw, "recurring_parent_id", &out.RecurringParentID)
	decodeField(raw, "created", &out.Created)
	if len(raw) > 0 {
		out.Extra = raw
	}
	*t = out
	return nil
}

// decodeField moves raw[key] into dst when it decodes cleanly. Nulls and
// mismatched values are left in raw.
func decodeField[T any](raw map[string]json.RawMessage, key string, dst *T) {
	v, ok := raw[key]
	if !ok || isNullJSON(v) {
		return
	}
	var val T
	if err := json.Unmarshal(v, &val); err != nil {
		return
	}
	*dst = val
	delete(raw, key)
}

func isNullJSON(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func isZeroJSON(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case "null", "false", `""`:
		return true
	}
	return false
}

// IsToday reports whether the task is dated on the calendar day of now.
func (t Task) IsToday(now time.Time) bool {
	return t.Date != "" && t.Date == recurrence.DateKey(now)
}

// Series is a recurring task definition.
type Series struct {
	ID          string          `json:"id"`
	Template    map[string]any  `json:"template"`
	Schedule    recurrence.Rule `json:"schedule"`
	NextDue     *time.Time      `json:"next_due"`
	LastCreated *time.Time      `json:"last_created"`
	Active      bool            `json:"active"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
}

type seriesAlias Series

// UnmarshalJSON treats a missing "active" key as active and reads the
// timestamps with ParseTime.
func (s *Series) UnmarshalJSON(b []byte) error {
	var a struct {
		seriesAlias
		NextDue     json.RawMessage `json:"next_due"`
		LastCreated json.RawMessage `json:"last_created"`
		CreatedAt   json.RawMessage `json:"created_at"`
	}
	a.Active = true
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var err error
	if a.seriesAlias.NextDue, err = ParseTime(a.NextDue); err != nil {
		return fmt.Errorf("next_due: %w", err)
	}
	if a.seriesAlias.LastCreated, err = ParseTime(a.LastCreated); err != nil {
		return fmt.Errorf("last_created: %w", err)
	}
	if a.seriesAlias.CreatedAt, err = ParseTime(a.CreatedAt); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	*s = Series(a.seriesAlias)
	return nil
}

// Title returns the template title, if any.
func (s Series) Title() string {
	if v, ok := s.Template["title"].(string); ok {
		return v
	}
	return ""
}

// NewTaskFromTemplate builds an occurrence of s due at due. The template is
// copied without interpretation; occurrence fields always win.
func NewTaskFromTemplate(s Series, id ID, due, now time.Time) (Task, error) {
	var t Task
	if len(s.Template) > 0 {
		b, err := json.Marshal(s.Template)
		if err != nil {
			return Task{}, fmt.Errorf("encode template of series %s: %w", s.ID, err)
		}
		if err := json.Unmarshal(b, &t); err != nil {
			return Task{}, fmt.Errorf("decode template of series %s: %w", s.ID, err)
		}
	}
	dueCopy := due
	created := now
	t.ID = id
	t.Date = recurrence.DateKey(due)
	t.Datetime = &dueCopy
	t.RecurringParentID = s.ID
	t.Created = &created
	return t, nil
}

// HasOccurrence reports whether tasks already hold an occurrence of the
// series on date.
func HasOccurrence(tasks []Task, seriesID, date string) bool {
	for _, t := range tasks {
		if t.RecurringParentID == seriesID && t.Date == date {
			return true
		}
	}
	return false
}

// FindTask returns the index of the task with id, or -1.
func FindTask(tasks []Task, id ID) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// FindSeries returns the index of the series with id, or -1.
func FindSeries(series []Series, id string) int {
	for i, s := range series {
		if s.ID == id {
			return i
		}
	}
	return -1
}
