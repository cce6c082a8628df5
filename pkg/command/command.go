package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mklimuk/agenda-pilot/pkg/recurring"
	"github.com/mklimuk/agenda-pilot/pkg/store"
	"github.com/mklimuk/agenda-pilot/pkg/sync"
)

// Actions understood by the dispatcher.
const (
	ListTasks    = "list_tasks"
	AddTask      = "add_task"
	CompleteTask = "complete_task"
	GetSummary   = "summary"
	ListSeries   = "list_series"
	SkipSeries   = "skip_series"
	ToggleSeries = "toggle_series"
	SyncAgenda   = "sync_agenda"
	Unknown      = "unknown"
)

// ErrSyncDisabled is reported when sync_agenda runs without remotes.
var ErrSyncDisabled = errors.New("no sync remotes configured")

// SyncFunc runs one sync pass.
type SyncFunc func(ctx context.Context) (map[string]sync.Outcome, error)

// Parameters are the optional arguments of a request.
type Parameters struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Category    string `json:"category,omitempty"`
	Date        string `json:"date,omitempty"`
	Series      string `json:"series,omitempty"`
}

// Request is a single command, typed by a voice assistant or parsed from chat.
type Request struct {
	Command    string     `json:"command,omitempty"`
	Action     string     `json:"action"`
	Parameters Parameters `json:"parameters"`
}

// Summary counts the agenda contents.
type Summary struct {
	TotalTasks     int `json:"total_tasks"`
	PendingTasks   int `json:"pending_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	TodayTasks     int `json:"today_tasks"`
	TotalProjects  int `json:"total_projects"`
	ActiveSeries   int `json:"active_series"`
}

// Result is the outcome of a request. SpeechResponse is always set.
type Result struct {
	Action         string                  `json:"action"`
	Tasks          []store.Task            `json:"tasks,omitempty"`
	Task           *store.Task             `json:"task,omitempty"`
	Series         []recurring.Summary     `json:"series,omitempty"`
	Count          int                     `json:"count,omitempty"`
	Summary        *Summary                `json:"summary,omitempty"`
	Skip           *recurring.SkipResult   `json:"skip,omitempty"`
	Active         *bool                   `json:"active,omitempty"`
	SyncResult     map[string]sync.Outcome `json:"sync_result,omitempty"`
	Error          string                  `json:"error,omitempty"`
	SpeechResponse string                  `json:"speech_response"`
}

// Dispatcher executes requests against the stores and the engine.
type Dispatcher struct {
	files  *store.Files
	engine *recurring.Engine
	sync   SyncFunc
	now    func() time.Time
	newID  func() string
}

// NewDispatcher creates a dispatcher. syncFn may be nil.
func NewDispatcher(files *store.Files, engine *recurring.Engine, syncFn SyncFunc) *Dispatcher {
	return &Dispatcher{
		files:  files,
		engine: engine,
		sync:   syncFn,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// Execute runs req. Problems the user can fix (unknown action, missing
// task) are reported in the result; the error is reserved for failures
// of the stores.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p := req.Parameters
	switch req.Action {
	case ListTasks:
		return d.listTasks(p), nil
	case AddTask:
		return d.addTask(p)
	case CompleteTask:
		return d.completeTask(p)
	case GetSummary:
		s := d.Summary()
		return Result{Action: GetSummary, Summary: &s, SpeechResponse: SummarySpeech(s)}, nil
	case ListSeries:
		series := d.engine.Summaries()
		return Result{
			Action:         ListSeries,
			Series:         series,
			Count:          len(series),
			SpeechResponse: fmt.Sprintf("You have %d recurring tasks", len(series)),
		}, nil
	case SkipSeries:
		return d.skipSeries(ctx, p)
	case ToggleSeries:
		return d.toggleSeries(ctx, p)
	case SyncAgenda:
		return d.syncAgenda(ctx), nil
	default:
		return Result{
			Action:         Unknown,
			Error:          "command not recognized",
			SpeechResponse: "Sorry, I did not understand this command",
		}, nil
	}
}

func (d *Dispatcher) listTasks(p Parameters) Result {
	d.files.Lock()
	tasks := d.files.LoadTasks()
	d.files.Unlock()

	today := p.Date == "today"
	if today {
		now := d.now()
		filtered := []store.Task{}
		for _, t := range tasks {
			if t.IsToday(now) {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	speech := fmt.Sprintf("You have %d tasks", len(tasks))
	if today {
		speech += " for today"
	}
	return Result{Action: ListTasks, Tasks: tasks, Count: len(tasks), SpeechResponse: speech}
}

func (d *Dispatcher) addTask(p Parameters) (Result, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return Result{
			Action:         AddTask,
			Error:          "title is required",
			SpeechResponse: "Please tell me the task title",
		}, nil
	}
	task, err := d.CreateTask(store.Task{
		Title:       title,
		Description: p.Description,
		Priority:    p.Priority,
		Category:    p.Category,
		Date:        p.Date,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Action:         AddTask,
		Task:           &task,
		SpeechResponse: fmt.Sprintf("Task %q created", title),
	}, nil
}

// CreateTask stores an ad-hoc task, filling in the id, defaults and
// creation time.
func (d *Dispatcher) CreateTask(t store.Task) (store.Task, error) {
	now := d.now()
	if t.ID == "" {
		t.ID = store.ID(d.newID())
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}
	if t.Date == "today" {
		t.Date = now.Format(time.DateOnly)
	}
	t.Created = &now
	err := d.files.UpdateTasks(func(tasks []store.Task) ([]store.Task, error) {
		return append(tasks, t), nil
	})
	if err != nil {
		return store.Task{}, fmt.Errorf("failed to save task: %w", err)
	}
	return t, nil
}

// Tasks returns every stored task.
func (d *Dispatcher) Tasks() []store.Task {
	d.files.Lock()
	defer d.files.Unlock()
	return d.files.LoadTasks()
}

func (d *Dispatcher) completeTask(p Parameters) (Result, error) {
	needle := strings.ToLower(strings.TrimSpace(p.Title))
	var done *store.Task
	err := d.files.UpdateTasks(func(tasks []store.Task) ([]store.Task, error) {
		if needle == "" {
			return tasks, nil
		}
		for i := range tasks {
			if tasks[i].Completed || !strings.Contains(strings.ToLower(tasks[i].Title), needle) {
				continue
			}
			now := d.now()
			tasks[i].Completed = true
			tasks[i].CompletedAt = &now
			t := tasks[i]
			done = &t
			break
		}
		return tasks, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to save task: %w", err)
	}
	if done == nil {
		return Result{
			Action:         CompleteTask,
			Error:          "task not found",
			SpeechResponse: fmt.Sprintf("I could not find a task named %q", p.Title),
		}, nil
	}
	return Result{
		Action:         CompleteTask,
		Task:           done,
		SpeechResponse: fmt.Sprintf("Task %q marked as done", done.Title),
	}, nil
}

// Summary counts tasks, projects and active series.
func (d *Dispatcher) Summary() Summary {
	d.files.Lock()
	tasks := d.files.LoadTasks()
	var projects []json.RawMessage
	if err := json.Unmarshal(d.files.LoadRaw(store.ProjectsFile), &projects); err != nil {
		log.Printf("command: failed to decode projects, counting none: %v", err)
		projects = nil
	}
	series := d.files.LoadSeries()
	d.files.Unlock()

	now := d.now()
	s := Summary{TotalTasks: len(tasks), TotalProjects: len(projects)}
	for _, t := range tasks {
		if t.Completed {
			s.CompletedTasks++
			continue
		}
		s.PendingTasks++
		if t.IsToday(now) {
			s.TodayTasks++
		}
	}
	for _, ser := range series {
		if ser.Active {
			s.ActiveSeries++
		}
	}
	return s
}

// SummarySpeech renders a summary as one sentence.
func SummarySpeech(s Summary) string {
	return fmt.Sprintf("You have %d pending tasks, %d for today and %d active projects",
		s.PendingTasks, s.TodayTasks, s.TotalProjects)
}

func (d *Dispatcher) skipSeries(ctx context.Context, p Parameters) (Result, error) {
	s, res, ok := d.resolve(SkipSeries, p)
	if !ok {
		return res, nil
	}
	skip, err := d.engine.SkipNext(ctx, s.ID)
	if err != nil {
		if errors.Is(err, recurring.ErrNoNextDue) {
			return Result{
				Action:         SkipSeries,
				Error:          err.Error(),
				SpeechResponse: fmt.Sprintf("%q has nothing scheduled to skip", s.Title()),
			}, nil
		}
		return Result{}, err
	}
	return Result{
		Action:         SkipSeries,
		Skip:           &skip,
		SpeechResponse: fmt.Sprintf("Skipped %q on %s, next on %s", s.Title(), skip.Skipped, skip.NewNext.Format(time.DateOnly)),
	}, nil
}

func (d *Dispatcher) toggleSeries(ctx context.Context, p Parameters) (Result, error) {
	s, res, ok := d.resolve(ToggleSeries, p)
	if !ok {
		return res, nil
	}
	active, err := d.engine.Toggle(ctx, s.ID)
	if err != nil {
		return Result{}, err
	}
	state := "paused"
	if active {
		state = "resumed"
	}
	return Result{
		Action:         ToggleSeries,
		Active:         &active,
		SpeechResponse: fmt.Sprintf("Recurring task %q %s", s.Title(), state),
	}, nil
}

func (d *Dispatcher) resolve(action string, p Parameters) (store.Series, Result, bool) {
	ref := p.Series
	if ref == "" {
		ref = p.Title
	}
	s, err := d.engine.Resolve(ref)
	if err != nil {
		return store.Series{}, Result{
			Action:         action,
			Error:          "recurring task not found",
			SpeechResponse: fmt.Sprintf("I could not find a recurring task matching %q", ref),
		}, false
	}
	return s, Result{}, true
}

func (d *Dispatcher) syncAgenda(ctx context.Context) Result {
	if d.sync == nil {
		return Result{
			Action:         SyncAgenda,
			Error:          ErrSyncDisabled.Error(),
			SpeechResponse: "Sync is not configured",
		}
	}
	outcomes, err := d.sync(ctx)
	res := Result{Action: SyncAgenda, SyncResult: outcomes, SpeechResponse: "Agenda synchronized"}
	if err != nil {
		res.Error = err.Error()
		res.SpeechResponse = "Agenda synchronized with errors"
	}
	return res
}
