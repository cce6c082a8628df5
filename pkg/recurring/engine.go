package recurring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/mklimuk/agenda-pilot/pkg/recurrence"
	"github.com/mklimuk/agenda-pilot/pkg/store"
)

// DefaultWindow is the look-ahead horizon in days.
const DefaultWindow = 7

var (
	ErrNotFound  = errors.New("series not found")
	ErrNoNextDue = errors.New("series has no next occurrence")
)

// Observer is notified after a materialization run persisted new tasks.
type Observer func(ctx context.Context, created []store.Task)

// Options configures an Engine.
type Options struct {
	// Window is the generation window in days. Zero means DefaultWindow.
	Window int
	// RollForward drops occurrences that fell behind the window start and
	// moves NextDue forward instead of leaving the series stalled.
	RollForward bool
}

// Engine materializes recurring series into the task store and owns the
// series lifecycle operations. Every operation holds the store lock for
// its whole read-mutate-write cycle.
type Engine struct {
	files       *store.Files
	window      int
	rollForward bool
	newID       func() string
	observers   []Observer
}

// NewEngine creates an engine over files.
func NewEngine(files *store.Files, opts Options) *Engine {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		files:       files,
		window:      window,
		rollForward: opts.RollForward,
		newID:       func() string { return uuid.NewString() },
	}
}

// Observe registers fn to receive the tasks created by each run.
func (e *Engine) Observe(fn Observer) {
	e.observers = append(e.observers, fn)
}

// Result describes one materialization run.
type Result struct {
	Created       []store.Task `json:"created"`
	RolledForward []string     `json:"rolled_forward,omitempty"`
	Repaired      []string     `json:"repaired,omitempty"`
	Changed       bool         `json:"changed"`
}

// Materialize creates the occurrences that fall inside the generation
// window as of now. Both stores are saved together, and only when
// something changed.
func (e *Engine) Materialize(ctx context.Context, now time.Time) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	e.files.Lock()
	series := e.files.LoadSeries()
	tasks := e.files.LoadTasks()

	var res Result
	for i := range series {
		s := &series[i]
		if !s.Active || s.NextDue == nil {
			continue
		}
		due := *s.NextDue
		diff := DaysUntil(due, now)

		if diff < 0 && e.rollForward {
			rolled, err := e.rollForwardFrom(s.Schedule, due, now)
			if err != nil {
				log.Printf("recurring: cannot roll series %s forward: %v", s.ID, err)
				continue
			}
			log.Printf("recurring: series %s was overdue since %s, next occurrence moved to %s",
				s.ID, recurrence.DateKey(due), recurrence.DateKey(rolled))
			s.NextDue = &rolled
			due = rolled
			diff = DaysUntil(due, now)
			res.RolledForward = append(res.RolledForward, s.ID)
			res.Changed = true
		}

		if diff < 0 || diff > e.window {
			continue
		}

		date := recurrence.DateKey(due)
		if store.HasOccurrence(tasks, s.ID, date) {
			// The occurrence exists but bookkeeping never advanced past it.
			if err := advance(s, due); err != nil {
				log.Printf("recurring: series %s: %v", s.ID, err)
				continue
			}
			res.Repaired = append(res.Repaired, s.ID)
			res.Changed = true
			continue
		}

		task, err := store.NewTaskFromTemplate(*s, store.ID(e.newID()), due, now)
		if err != nil {
			log.Printf("recurring: skipping series %s: %v", s.ID, err)
			continue
		}
		if err := advance(s, due); err != nil {
			log.Printf("recurring: series %s: %v", s.ID, err)
			continue
		}
		tasks = append(tasks, task)
		res.Created = append(res.Created, task)
		res.Changed = true
	}

	if res.Changed {
		if err := e.files.SaveAll(tasks, series); err != nil {
			e.files.Unlock()
			return Result{}, fmt.Errorf("failed to persist materialized tasks: %w", err)
		}
	}
	e.files.Unlock()

	if len(res.Created) > 0 {
		for _, fn := range e.observers {
			fn(ctx, res.Created)
		}
	}
	return res, nil
}

// advance records due as created and chains NextDue from it.
func advance(s *store.Series, due time.Time) error {
	next, err := recurrence.Next(s.Schedule, due)
	if err != nil {
		return fmt.Errorf("next occurrence after %s: %w", recurrence.DateKey(due), err)
	}
	created := due
	s.LastCreated = &created
	s.NextDue = &next
	return nil
}

func (e *Engine) rollForwardFrom(rule recurrence.Rule, due, now time.Time) (time.Time, error) {
	for i := 0; i < recurrence.MaxIterations; i++ {
		next, err := recurrence.Next(rule, due)
		if err != nil {
			return time.Time{}, err
		}
		due = next
		if DaysUntil(due, now) >= 0 {
			return due, nil
		}
	}
	return time.Time{}, recurrence.ErrNoOccurrence
}

// DaysUntil returns ceil((due-now)/24h).
func DaysUntil(due, now time.Time) int {
	return int(math.Ceil(due.Sub(now).Hours() / 24))
}

// CreateRequest holds the caller-supplied parts of a new series.
type CreateRequest struct {
	Template map[string]any  `json:"template"`
	Schedule recurrence.Rule `json:"schedule"`
	NextDue  *time.Time      `json:"next_due"`
}

// UnmarshalJSON reads next_due with store.ParseTime, so a bare date or an
// offset-less datetime is accepted.
func (r *CreateRequest) UnmarshalJSON(b []byte) error {
	var a struct {
		Template map[string]any  `json:"template"`
		Schedule recurrence.Rule `json:"schedule"`
		NextDue  json.RawMessage `json:"next_due"`
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	next, err := store.ParseTime(a.NextDue)
	if err != nil {
		return fmt.Errorf("next_due: %w", err)
	}
	*r = CreateRequest{Template: a.Template, Schedule: a.Schedule, NextDue: next}
	return nil
}

// Create adds a new active series. When NextDue is not supplied it is the
// first occurrence after now.
func (e *Engine) Create(ctx context.Context, req CreateRequest, now time.Time) (store.Series, error) {
	if err := ctx.Err(); err != nil {
		return store.Series{}, err
	}
	if err := req.Schedule.Validate(); err != nil {
		return store.Series{}, fmt.Errorf("invalid schedule: %w", err)
	}

	next := req.NextDue
	if next == nil {
		first, err := recurrence.Next(req.Schedule, now)
		if err != nil {
			return store.Series{}, fmt.Errorf("invalid schedule: %w", err)
		}
		next = &first
	}

	created := now
	s := store.Series{
		ID:        "recurring_" + e.newID(),
		Template:  req.Template,
		Schedule:  req.Schedule,
		NextDue:   next,
		Active:    true,
		CreatedAt: &created,
	}
	if s.Template == nil {
		s.Template = map[string]any{}
	}

	err := e.updateSeries(func(series []store.Series) ([]store.Series, error) {
		return append(series, s), nil
	})
	if err != nil {
		return store.Series{}, err
	}
	return s, nil
}

// Toggle flips the active flag of a series and returns the new value.
func (e *Engine) Toggle(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var active bool
	err := e.updateSeries(func(series []store.Series) ([]store.Series, error) {
		i := store.FindSeries(series, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		series[i].Active = !series[i].Active
		active = series[i].Active
		return series, nil
	})
	return active, err
}

// SkipResult reports a skipped occurrence.
type SkipResult struct {
	Skipped string    `json:"skipped"`
	NewNext time.Time `json:"new_next"`
}

// SkipNext excludes the pending occurrence of a series forever and moves
// NextDue to the following one.
func (e *Engine) SkipNext(ctx context.Context, id string) (SkipResult, error) {
	if err := ctx.Err(); err != nil {
		return SkipResult{}, err
	}
	var res SkipResult
	err := e.updateSeries(func(series []store.Series) ([]store.Series, error) {
		i := store.FindSeries(series, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		s := &series[i]
		if s.NextDue == nil {
			return nil, ErrNoNextDue
		}
		current := *s.NextDue
		res.Skipped = s.Schedule.Skip(current)
		next, err := recurrence.Next(s.Schedule, current)
		if err != nil {
			return nil, fmt.Errorf("next occurrence after skip: %w", err)
		}
		s.NextDue = &next
		res.NewNext = next
		return series, nil
	})
	return res, err
}

// Delete removes a series. Tasks already materialized are kept.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.updateSeries(func(series []store.Series) ([]store.Series, error) {
		i := store.FindSeries(series, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		return append(series[:i], series[i+1:]...), nil
	})
}

// List returns every series.
func (e *Engine) List() []store.Series {
	e.files.Lock()
	defer e.files.Unlock()
	return e.files.LoadSeries()
}

// Get returns the series with id.
func (e *Engine) Get(id string) (store.Series, error) {
	series := e.List()
	i := store.FindSeries(series, id)
	if i < 0 {
		return store.Series{}, ErrNotFound
	}
	return series[i], nil
}

func (e *Engine) updateSeries(fn func([]store.Series) ([]store.Series, error)) error {
	e.files.Lock()
	defer e.files.Unlock()

	series, err := fn(e.files.LoadSeries())
	if err != nil {
		return err
	}
	if err := e.files.SaveSeries(series); err != nil {
		return fmt.Errorf("failed to save series: %w", err)
	}
	return nil
}
