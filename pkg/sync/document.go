package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// SyncVersion is stamped into every uploaded document.
	SyncVersion = "1.0"
	// FolderName is the directory created inside a cloud folder.
	FolderName = "AgendaDB"
	// DocumentName is the shared document file name.
	DocumentName = "agenda_database.json"
)

// Document keys.
const (
	keyTasks          = "tasks"
	keyProjects       = "projects"
	keyProjectTasks   = "projectTasks"
	keyRecurringTasks = "recurringTasks"
	keyMetadata       = "_syncMetadata"
)

// ErrMalformed marks a copy that exists but cannot be parsed.
var ErrMalformed = errors.New("malformed sync document")

// Metadata identifies when and where a copy was last synchronized.
type Metadata struct {
	LastSync    time.Time `json:"lastSync"`
	DeviceName  string    `json:"deviceName"`
	SyncVersion string    `json:"syncVersion"`
}

// Document is the full agenda exchanged between devices. Collections are
// kept as raw JSON arrays and unknown top-level keys survive a round trip.
type Document struct {
	Tasks          json.RawMessage
	Projects       json.RawMessage
	ProjectTasks   json.RawMessage
	RecurringTasks json.RawMessage
	Metadata       *Metadata
	Extra          map[string]json.RawMessage
}

// EmptyDocument returns a document with empty collections and no metadata.
func EmptyDocument() *Document {
	return &Document{
		Tasks:          json.RawMessage("[]"),
		Projects:       json.RawMessage("[]"),
		ProjectTasks:   json.RawMessage("[]"),
		RecurringTasks: json.RawMessage("[]"),
	}
}

// ParseDocument decodes b. Anything that is not a JSON object, or whose
// metadata cannot be decoded, is reported as ErrMalformed.
func ParseDocument(b []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &doc, nil
}

// LastSync returns the metadata timestamp, if any.
func (d *Document) LastSync() (time.Time, bool) {
	if d == nil || d.Metadata == nil || d.Metadata.LastSync.IsZero() {
		return time.Time{}, false
	}
	return d.Metadata.LastSync, true
}

// Stamped returns a shallow copy of d carrying fresh metadata.
func (d *Document) Stamped(now time.Time, device string) *Document {
	c := *d
	c.Metadata = &Metadata{LastSync: now.UTC(), DeviceName: device, SyncVersion: SyncVersion}
	return &c
}

func (d *Document) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("document is null")
	}
	*d = *EmptyDocument()

	for key, dst := range map[string]*json.RawMessage{
		keyTasks:          &d.Tasks,
		keyProjects:       &d.Projects,
		keyProjectTasks:   &d.ProjectTasks,
		keyRecurringTasks: &d.RecurringTasks,
	} {
		if v, ok := raw[key]; ok && !isNull(v) {
			*dst = v
		}
		delete(raw, key)
	}

	if v, ok := raw[keyMetadata]; ok && !isNull(v) {
		var m Metadata
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("invalid %s: %w", keyMetadata, err)
		}
		d.Metadata = &m
	}
	delete(raw, keyMetadata)

	if len(raw) > 0 {
		d.Extra = raw
	}
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+5)
	for k, v := range d.Extra {
		out[k] = v
	}
	out[keyTasks] = orEmpty(d.Tasks)
	out[keyProjects] = orEmpty(d.Projects)
	out[keyProjectTasks] = orEmpty(d.ProjectTasks)
	out[keyRecurringTasks] = orEmpty(d.RecurringTasks)
	if d.Metadata != nil {
		out[keyMetadata] = d.Metadata
	}
	return json.Marshal(out)
}

// Encode renders the document the way it is stored on disk.
func (d *Document) Encode() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
