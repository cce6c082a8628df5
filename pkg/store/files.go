package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// File names inside the data directory.
const (
	TasksFile        = "tasks.json"
	SeriesFile       = "recurring-tasks.json"
	ProjectsFile     = "projects.json"
	ProjectTasksFile = "project-tasks.json"
)

// Files persists the agenda collections as JSON arrays in a data directory.
//
// Callers doing a read-modify-write cycle hold Lock for its whole duration;
// the individual load/save methods do not lock.
//
// A file that exists but cannot be parsed loads as an empty collection. It is
// never overwritten: the next save of that file first renames it aside as
// <name>.unreadable-<unix ms>.
type Files struct {
	mu  sync.Mutex
	dir string

	stateMu    sync.Mutex
	unreadable map[string]bool
}

// NewFiles creates the data directory if needed.
func NewFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Files{dir: dir, unreadable: map[string]bool{}}, nil
}

// Dir returns the data directory.
func (f *Files) Dir() string { return f.dir }

// Lock acquires the store-wide write lock.
func (f *Files) Lock() { f.mu.Lock() }

// Unlock releases the store-wide write lock.
func (f *Files) Unlock() { f.mu.Unlock() }

// Path returns the absolute path of a store file.
func (f *Files) Path(name string) string {
	return filepath.Join(f.dir, name)
}

// LoadTasks returns the task collection. Missing or malformed files yield
// an empty collection.
func (f *Files) LoadTasks() []Task {
	return loadArray[Task](f, TasksFile)
}

// LoadSeries returns the series collection. Missing or malformed files yield
// an empty collection.
func (f *Files) LoadSeries() []Series {
	return loadArray[Series](f, SeriesFile)
}

// LoadRaw returns the raw JSON array stored under name, or an empty array.
func (f *Files) LoadRaw(name string) json.RawMessage {
	items := loadArray[json.RawMessage](f, name)
	b, err := json.Marshal(items)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}

// SaveTasks writes the task collection.
func (f *Files) SaveTasks(tasks []Task) error {
	return f.commit(stagedWrite{TasksFile, nonNil(tasks)})
}

// SaveSeries writes the series collection.
func (f *Files) SaveSeries(series []Series) error {
	return f.commit(stagedWrite{SeriesFile, nonNil(series)})
}

// SaveRaw writes a raw JSON array under name. Anything that is not an array
// is stored as an empty one.
func (f *Files) SaveRaw(name string, raw json.RawMessage) error {
	var items []json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &items); err != nil {
			log.Printf("store: %s is not a JSON array, storing empty collection: %v", name, err)
		}
	}
	return f.commit(stagedWrite{name, nonNil(items)})
}

// SaveAll writes tasks and series together: both files are fully encoded
// and staged before either is replaced.
func (f *Files) SaveAll(tasks []Task, series []Series) error {
	return f.commit(
		stagedWrite{TasksFile, nonNil(tasks)},
		stagedWrite{SeriesFile, nonNil(series)},
	)
}

// SaveRawAll writes several files from raw JSON in one staged commit.
// Values are stored as given; callers normalize collections first.
func (f *Files) SaveRawAll(parts map[string]json.RawMessage) error {
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}
	sort.Strings(names)

	writes := make([]stagedWrite, 0, len(names))
	for _, name := range names {
		writes = append(writes, stagedWrite{name, parts[name]})
	}
	return f.commit(writes...)
}

type stagedWrite struct {
	name  string
	value any
}

func (f *Files) commit(writes ...stagedWrite) error {
	temps := make([]string, 0, len(writes))
	cleanup := func() {
		for _, tmp := range temps {
			os.Remove(tmp)
		}
	}

	for _, w := range writes {
		b, err := json.MarshalIndent(w.value, "", "  ")
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to encode %s: %w", w.name, err)
		}
		tmp, err := os.CreateTemp(f.dir, "."+w.name+".*")
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to stage %s: %w", w.name, err)
		}
		temps = append(temps, tmp.Name())
		if _, err := tmp.Write(b); err != nil {
			tmp.Close()
			cleanup()
			return fmt.Errorf("failed to write %s: %w", w.name, err)
		}
		if err := tmp.Close(); err != nil {
			cleanup()
			return fmt.Errorf("failed to write %s: %w", w.name, err)
		}
	}

	for _, w := range writes {
		if err := f.setAside(w.name); err != nil {
			cleanup()
			return err
		}
	}
	for i, w := range writes {
		if err := os.Rename(temps[i], f.Path(w.name)); err != nil {
			cleanup()
			return fmt.Errorf("failed to replace %s: %w", w.name, err)
		}
	}
	return nil
}

func loadArray[T any](f *Files, name string) []T {
	b, err := os.ReadFile(f.Path(name))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("store: failed to read %s, using empty collection: %v", name, err)
		}
		f.markUnreadable(name, false)
		return []T{}
	}
	var items []T
	if err := json.Unmarshal(b, &items); err != nil {
		log.Printf("store: failed to parse %s, using empty collection: %v", name, err)
		f.markUnreadable(name, true)
		return []T{}
	}
	f.markUnreadable(name, false)
	if items == nil {
		items = []T{}
	}
	return items
}

func (f *Files) markUnreadable(name string, bad bool) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if bad {
		f.unreadable[name] = true
	} else {
		delete(f.unreadable, name)
	}
}

// Unreadable reports whether the last load of name found a file it could not
// parse that has not been set aside yet.
func (f *Files) Unreadable(name string) bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.unreadable[name]
}

// setAside renames an unparsable file out of the way before it is replaced.
func (f *Files) setAside(name string) error {
	if !f.Unreadable(name) {
		return nil
	}
	kept := fmt.Sprintf("%s.unreadable-%d", name, time.Now().UnixMilli())
	if err := os.Rename(f.Path(name), f.Path(kept)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("refusing to overwrite unparsable %s: %w", name, err)
	}
	log.Printf("store: %s could not be parsed, kept as %s", name, kept)
	f.markUnreadable(name, false)
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// UpdateTasks runs fn over the task collection under the store lock and
// saves the result when fn returns without error.
func (f *Files) UpdateTasks(fn func(tasks []Task) ([]Task, error)) error {
	f.Lock()
	defer f.Unlock()

	tasks, err := fn(f.LoadTasks())
	if err != nil {
		return err
	}
	return f.SaveTasks(tasks)
}
