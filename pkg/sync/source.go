package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mklimuk/agenda-pilot/pkg/store"
)

// Remote is one copy of the agenda document outside the local store.
type Remote interface {
	Name() string
	// Read returns the stored document, or nil when the copy does not exist.
	Read(ctx context.Context) (*Document, error)
	Write(ctx context.Context, doc *Document) error
}

// FolderRemote stores the document in a cloud-mounted folder.
type FolderRemote struct {
	name string
	root string
}

// NewFolderRemote creates a remote rooted at the given cloud folder.
func NewFolderRemote(name, root string) *FolderRemote {
	return &FolderRemote{name: name, root: root}
}

func (f *FolderRemote) Name() string { return f.name }

// Path returns the location of the shared document.
func (f *FolderRemote) Path() string {
	return filepath.Join(f.root, FolderName, DocumentName)
}

func (f *FolderRemote) Read(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s document: %w", f.name, err)
	}
	return ParseDocument(b)
}

func (f *FolderRemote) Write(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	dir := filepath.Dir(f.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s folder: %w", f.name, err)
	}
	tmp, err := os.CreateTemp(dir, "."+DocumentName+".*")
	if err != nil {
		return fmt.Errorf("failed to stage %s document: %w", f.name, err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s document: %w", f.name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s document: %w", f.name, err)
	}
	if err := os.Rename(tmp.Name(), f.Path()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s document: %w", f.name, err)
	}
	return nil
}

// StateFile holds the local sync metadata and unknown document keys.
const StateFile = "sync-state.json"

// LocalName identifies the local copy in outcomes and conflicts.
const LocalName = "local"

// Local exposes the task, series and project stores as one document.
// Writing splits a document back into the store files, so a download is
// visible to the materializer right away.
type Local struct {
	files *store.Files
}

// NewLocal creates the local source over files.
func NewLocal(files *store.Files) *Local {
	return &Local{files: files}
}

func (l *Local) Name() string { return LocalName }

func (l *Local) Read(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.files.Lock()
	defer l.files.Unlock()

	doc := &Document{
		Tasks:          l.files.LoadRaw(store.TasksFile),
		Projects:       l.files.LoadRaw(store.ProjectsFile),
		ProjectTasks:   l.files.LoadRaw(store.ProjectTasksFile),
		RecurringTasks: l.files.LoadRaw(store.SeriesFile),
	}
	if state := l.readState(); state != nil {
		doc.Metadata = state.Metadata
		doc.Extra = state.Extra
	}
	return doc, nil
}

func (l *Local) Write(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := encodeState(doc)
	if err != nil {
		return err
	}
	l.files.Lock()
	defer l.files.Unlock()

	err = l.files.SaveRawAll(map[string]json.RawMessage{
		store.TasksFile:        asArray(keyTasks, doc.Tasks),
		store.ProjectsFile:     asArray(keyProjects, doc.Projects),
		store.ProjectTasksFile: asArray(keyProjectTasks, doc.ProjectTasks),
		store.SeriesFile:       asArray(keyRecurringTasks, doc.RecurringTasks),
		StateFile:              state,
	})
	if err != nil {
		return fmt.Errorf("failed to write local document: %w", err)
	}
	return nil
}

// SetMetadata replaces the stored metadata, keeping the collections.
func (l *Local) SetMetadata(ctx context.Context, m *Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.files.Lock()
	defer l.files.Unlock()

	doc := &Document{Metadata: m}
	if state := l.readState(); state != nil {
		doc.Extra = state.Extra
	}
	state, err := encodeState(doc)
	if err != nil {
		return err
	}
	return l.files.SaveRawAll(map[string]json.RawMessage{StateFile: state})
}

func (l *Local) readState() *Document {
	b, err := os.ReadFile(l.files.Path(StateFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("sync: failed to read local sync state: %v", err)
		}
		return nil
	}
	state, err := ParseDocument(b)
	if err != nil {
		log.Printf("sync: ignoring local sync state: %v", err)
		return nil
	}
	return state
}

func encodeState(doc *Document) (json.RawMessage, error) {
	out := make(map[string]any, len(doc.Extra)+1)
	for k, v := range doc.Extra {
		out[k] = v
	}
	if doc.Metadata != nil {
		out[keyMetadata] = doc.Metadata
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync state: %w", err)
	}
	return b, nil
}

func asArray(key string, raw json.RawMessage) json.RawMessage {
	var items []json.RawMessage
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		log.Printf("sync: %s is not an array, storing empty collection", key)
		return json.RawMessage("[]")
	}
	if items == nil {
		return json.RawMessage("[]")
	}
	return raw
}
