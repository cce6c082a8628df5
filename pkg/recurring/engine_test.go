package recurring

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/agenda-pilot/pkg/recurrence"
	"github.com/mklimuk/agenda-pilot/pkg/store"
)

var baseNow = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

func setupEngine(t *testing.T, opts Options, series ...store.Series) (*Engine, *store.Files) {
	t.Helper()
	files, err := store.NewFiles(t.TempDir())
	require.NoError(t, err)
	if len(series) > 0 {
		require.NoError(t, files.SaveSeries(series))
	}
	e := NewEngine(files, opts)
	n := 0
	var mu sync.Mutex
	e.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return e, files
}

func dailySeries(id string, due time.Time) store.Series {
	return store.Series{
		ID:       id,
		Template: map[string]any{"title": "Water plants", "priority": "low"},
		Schedule: recurrence.Rule{Type: recurrence.Daily, Interval: 1},
		NextDue:  &due,
		Active:   true,
	}
}

func countOccurrences(tasks []store.Task, seriesID, date string) int {
	n := 0
	for _, t := range tasks {
		if t.RecurringParentID == seriesID && t.Date == date {
			n++
		}
	}
	return n
}

func TestMaterializeCreatesOccurrence(t *testing.T) {
	due := baseNow.Add(2 * 24 * time.Hour)
	e, files := setupEngine(t, Options{}, dailySeries("r1", due))

	res, err := e.Materialize(context.Background(), baseNow)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Len(t, res.Created, 1)

	tasks := files.LoadTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "Water plants", tasks[0].Title)
	assert.Equal(t, "low", tasks[0].Priority)
	assert.Equal(t, "2024-01-12", tasks[0].Date)
	assert.Equal(t, "r1", tasks[0].RecurringParentID)

	series := files.LoadSeries()
	require.Len(t, series, 1)
	require.NotNil(t, series[0].LastCreated)
	assert.True(t, series[0].LastCreated.Equal(due))
	assert.Equal(t, "2024-01-13", recurrence.DateKey(*series[0].NextDue))
}

func TestMaterializeTwiceNeverDuplicates(t *testing.T) {
	e, files := setupEngine(t, Options{}, dailySeries("r1", baseNow.Add(24*time.Hour)))

	for i := 0; i < 2; i++ {
		_, err := e.Materialize(context.Background(), baseNow)
		require.NoError(t, err)
	}

	tasks := files.LoadTasks()
	seen := map[string]int{}
	for _, task := range tasks {
		seen[task.RecurringParentID+"|"+task.Date]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, "duplicate occurrence %s", key)
	}
	assert.Equal(t, 1, countOccurrences(tasks, "r1", "2024-01-11"))
}

func TestMaterializeConcurrentRunsNeverDuplicate(t *testing.T) {
	e, files := setupEngine(t, Options{}, dailySeries("r1", baseNow.Add(24*time.Hour)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Materialize(context.Background(), baseNow)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tasks := files.LoadTasks()
	seen := map[string]int{}
	for _, task := range tasks {
		seen[task.Date]++
	}
	for date, n := range seen {
		assert.Equal(t, 1, n, "duplicate occurrence on %s", date)
	}
}

func TestMaterializeWindowBoundary(t *testing.T) {
	tests := []struct {
		name    string
		offset  time.Duration
		created bool
	}{
		{"exactly window days away", 7 * 24 * time.Hour, true},
		{"one day past the window", 8 * 24 * time.Hour, false},
		{"an hour past the window", 7*24*time.Hour + time.Hour, false},
		{"due now", 0, true},
		{"a few hours ago", -3 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, files := setupEngine(t, Options{}, dailySeries("r1", baseNow.Add(tt.offset)))

			res, err := e.Materialize(context.Background(), baseNow)
			require.NoError(t, err)
			assert.Equal(t, tt.created, len(res.Created) == 1)
			assert.Equal(t, tt.created, len(files.LoadTasks()) == 1)
		})
	}
}

func TestMaterializeSkipsInactiveAndUnscheduled(t *testing.T) {
	inactive := dailySeries("r1", baseNow.Add(24*time.Hour))
	inactive.Active = false
	unscheduled := dailySeries("r2", baseNow)
	unscheduled.NextDue = nil

	e, files := setupEngine(t, Options{}, inactive, unscheduled)

	res, err := e.Materialize(context.Background(), baseNow)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, files.LoadTasks())
}

func TestMaterializeWithoutChangesDoesNotWrite(t *testing.T) {
	e, files := setupEngine(t, Options{}, dailySeries("r1", baseNow.Add(30*24*time.Hour)))

	res, err := e.Materialize(context.Background(), baseNow)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	_, statErr := os.Stat(files.Path(store.TasksFile))
	assert.True(t, os.IsNotExist(statErr), "tasks file must not be written")
}

func TestMaterializeOverdueWithoutRollForwardStalls(t *testing.T) {
	due := baseNow.Add(-10 * 24 * time.Hour)
	e, files := setupEngine(t, Options{}, dailySeries("r1", due))

	res, err := e.Materialize(context.Background(), baseNow)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.True(t, files.LoadSeries()[0].NextDue.Equal(due))
}

func TestMaterializeOverdueRollsForward(t *testing.T) {
	due := baseNow.Add(-10 * 24 * time.Hour)
	e, files := setupEngine(t, Options{RollForward: true}, dailySeries("r1", due))

	res, err := e.Materialize(context.Background(), baseNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, res.RolledForward)
	require.Len(t, res.Created, 1)
	assert.Equal(t, "2024-01-10", res.Created[0].Date)

	series := files.LoadSeries()
	assert.Equal(t, "2024-01-11", recurrence.DateKey(*series[0].NextDue))
	assert.Len(t, files.LoadTasks(), 1, "missed occurrences are dropped")
}

func TestMaterializeRepairsStalledBookkeeping(t *testing.T) {
	due := baseNow.Add(24 * time.Hour)
	e, files := setupEngine(t, Options{}, dailySeries("r1", due))
	require.NoError(t, files.SaveTasks([]store.Task{
		{ID: "existing", Title: "Water plants", Date: "2024-01-11", RecurringParentID: "r1"},
	}))

	res, err := e.Materialize(context.Background(), baseNow)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"r1"}, res.Repaired)

	assert.Len(t, files.LoadTasks(), 1)
	assert.Equal(t, "2024-01-12", recurrence.DateKey(*files.LoadSeries()[0].NextDue))
}

func TestMaterializeNotifiesObservers(t *testing.T) {
	e, _ := setupEngine(t, Options{}, dailySeries("r1", baseNow.Add(24*time.Hour)))

	var got []store.Task
	e.Observe(func(_ context.Context, created []store.Task) {
		got = append(got, created...)
	})

	_, err := e.Materialize(context.Background(), baseNow)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2024-01-11", got[0].Date)
}

func TestMaterializeWeeklyChainsFromOccurrence(t *testing.T) {
	monday := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	s := store.Series{
		ID:       "gym",
		Template: map[string]any{"title": "Gym"},
		Schedule: recurrence.Rule{Type: recurrence.Weekly, DaysOfWeek: []int{1, 3, 5}},
		NextDue:  &monday,
		Active:   true,
	}
	e, files := setupEngine(t, Options{}, s)

	_, err := e.Materialize(context.Background(), monday.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", recurrence.DateKey(*files.LoadSeries()[0].NextDue))
}

func TestCreateComputesNextDue(t *testing.T) {
	e, files := setupEngine(t, Options{})

	s, err := e.Create(context.Background(), CreateRequest{
		Template: map[string]any{"title": "Review budget"},
		Schedule: recurrence.Rule{Type: recurrence.Weekly, Interval: 1},
	}, baseNow)
	require.NoError(t, err)

	assert.Equal(t, "recurring_id-1", s.ID)
	assert.True(t, s.Active)
	assert.Nil(t, s.LastCreated)
	require.NotNil(t, s.NextDue)
	assert.Equal(t, "2024-01-17", recurrence.DateKey(*s.NextDue))
	assert.Len(t, files.LoadSeries(), 1)
}

func TestCreateKeepsSuppliedNextDue(t *testing.T) {
	e, _ := setupEngine(t, Options{})
	due := baseNow.Add(3 * time.Hour)

	s, err := e.Create(context.Background(), CreateRequest{
		Schedule: recurrence.Rule{Type: recurrence.Daily},
		NextDue:  &due,
	}, baseNow)
	require.NoError(t, err)
	assert.True(t, s.NextDue.Equal(due))
	assert.NotNil(t, s.Template)
}

func TestCreateRejectsInvalidSchedule(t *testing.T) {
	e, _ := setupEngine(t, Options{})
	_, err := e.Create(context.Background(), CreateRequest{
		Schedule: recurrence.Rule{Type: recurrence.Weekly, DaysOfWeek: []int{9}},
	}, baseNow)
	assert.Error(t, err)
}

func TestToggle(t *testing.T) {
	e, files := setupEngine(t, Options{}, dailySeries("r1", baseNow))

	active, err := e.Toggle(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, active)
	assert.False(t, files.LoadSeries()[0].Active)
	assert.True(t, files.LoadSeries()[0].NextDue.Equal(baseNow))

	active, err = e.Toggle(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, active)

	_, err = e.Toggle(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSkipNextPreservesCadence(t *testing.T) {
	due := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	e, files := setupEngine(t, Options{}, dailySeries("r1", due))

	res, err := e.SkipNext(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15", res.Skipped)
	assert.Equal(t, "2024-01-16", recurrence.DateKey(res.NewNext))

	s := files.LoadSeries()[0]
	assert.Contains(t, s.Schedule.SkipDates, "2024-01-15")
	assert.Equal(t, "2024-01-16", recurrence.DateKey(*s.NextDue))
}

func TestSkippedDateIsNeverMaterialized(t *testing.T) {
	due := baseNow.Add(24 * time.Hour)
	e, files := setupEngine(t, Options{}, dailySeries("r1", due))

	_, err := e.SkipNext(context.Background(), "r1")
	require.NoError(t, err)

	// Replay the series from before the skipped date.
	series := files.LoadSeries()
	series[0].NextDue = &baseNow
	require.NoError(t, files.SaveSeries(series))
	for i := 0; i < 3; i++ {
		_, err := e.Materialize(context.Background(), baseNow)
		require.NoError(t, err)
	}

	assert.Zero(t, countOccurrences(files.LoadTasks(), "r1", "2024-01-11"))
}

func TestSkipNextErrors(t *testing.T) {
	unscheduled := dailySeries("r1", baseNow)
	unscheduled.NextDue = nil
	e, _ := setupEngine(t, Options{}, unscheduled)

	_, err := e.SkipNext(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrNoNextDue)

	_, err = e.SkipNext(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	e, files := setupEngine(t, Options{}, dailySeries("r1", baseNow), dailySeries("r2", baseNow))

	require.NoError(t, e.Delete(context.Background(), "r1"))
	series := files.LoadSeries()
	require.Len(t, series, 1)
	assert.Equal(t, "r2", series[0].ID)

	assert.ErrorIs(t, e.Delete(context.Background(), "r1"), ErrNotFound)
}

func TestDaysUntil(t *testing.T) {
	assert.Equal(t, 0, DaysUntil(baseNow, baseNow))
	assert.Equal(t, 1, DaysUntil(baseNow.Add(time.Minute), baseNow))
	assert.Equal(t, 0, DaysUntil(baseNow.Add(-23*time.Hour), baseNow))
	assert.Equal(t, -1, DaysUntil(baseNow.Add(-25*time.Hour), baseNow))
}

func TestSummariesAndResolve(t *testing.T) {
	due := baseNow.Add(24 * time.Hour)
	e, _ := setupEngine(t, Options{},
		store.Series{ID: "recurring_a", Template: map[string]any{"title": "Morning standup"}, Schedule: recurrence.Rule{Type: recurrence.Daily, Interval: 1}, NextDue: &due, Active: true},
		store.Series{ID: "recurring_b", Template: map[string]any{"title": "Weekly review"}, Schedule: recurrence.Rule{Type: recurrence.Weekly, Interval: 1}, NextDue: &due, Active: false},
		store.Series{ID: "recurring_c", Template: map[string]any{"title": "Monthly review"}, Schedule: recurrence.Rule{Type: recurrence.Monthly, Interval: 1}, NextDue: &due, Active: true},
	)

	summaries := e.Summaries()
	require.Len(t, summaries, 3)
	assert.Equal(t, "Morning standup", summaries[0].Title)
	assert.False(t, summaries[1].Active)

	s, err := e.Resolve("recurring_b")
	require.NoError(t, err)
	assert.Equal(t, "recurring_b", s.ID)

	s, err = e.Resolve("STANDUP")
	require.NoError(t, err)
	assert.Equal(t, "recurring_a", s.ID)

	_, err = e.Resolve("review")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Resolve("")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMaterializeKeepsForeignShapedTasks(t *testing.T) {
	e, files := setupEngine(t, Options{}, dailySeries("r1", baseNow.Add(24*time.Hour)))
	require.NoError(t, os.WriteFile(files.Path(store.TasksFile), []byte(`[
		{"id":1,"title":"Dentist","datetime":"2024-01-15T10:00"},
		{"id":9,"title":"Buy milk","priority":2,"created":1704880800000}
	]`), 0o644))

	res, err := e.Materialize(context.Background(), baseNow)
	require.NoError(t, err)
	require.NotEmpty(t, res.Created)

	tasks := files.LoadTasks()
	require.Len(t, tasks, 2+len(res.Created))
	assert.Equal(t, "Dentist", tasks[0].Title)
	assert.Equal(t, `"2024-01-15T10:00"`, string(tasks[0].Extra["datetime"]))
	assert.Equal(t, "Buy milk", tasks[1].Title)
	assert.Equal(t, `2`, string(tasks[1].Extra["priority"]))
	assert.Equal(t, `1704880800000`, string(tasks[1].Extra["created"]))
}

func TestCreateKeepsSeriesWithDateOnlyNextDue(t *testing.T) {
	e, files := setupEngine(t, Options{})
	require.NoError(t, os.WriteFile(files.Path(store.SeriesFile), []byte(`[
		{"id":"r1","template":{"title":"Rent"},"schedule":{"type":"daily","interval":1},"next_due":"2024-01-15","last_created":null,"active":true},
		{"id":"r2","template":{"title":"Gym"},"schedule":{"type":"daily","interval":1},"next_due":"2024-01-11T07:00:00Z","last_created":null,"active":true}
	]`), 0o644))

	_, err := e.Create(context.Background(), CreateRequest{
		Template: map[string]any{"title": "Review budget"},
		Schedule: recurrence.Rule{Type: recurrence.Weekly, Interval: 1},
	}, baseNow)
	require.NoError(t, err)

	series := files.LoadSeries()
	require.Len(t, series, 3)
	assert.Equal(t, "r1", series[0].ID)
	assert.Equal(t, "2024-01-15", recurrence.DateKey(*series[0].NextDue))
}

func TestCreateSetsAsideUnparsableSeriesFile(t *testing.T) {
	e, files := setupEngine(t, Options{})
	bad := []byte(`[{"id":"r1","schedule":{"type":"daily"},"next_due":"soon"}]`)
	require.NoError(t, os.WriteFile(files.Path(store.SeriesFile), bad, 0o644))

	_, err := e.Create(context.Background(), CreateRequest{
		Schedule: recurrence.Rule{Type: recurrence.Daily, Interval: 1},
	}, baseNow)
	require.NoError(t, err)

	kept, err := filepath.Glob(files.Path(store.SeriesFile + ".unreadable-*"))
	require.NoError(t, err)
	require.Len(t, kept, 1)
	b, err := os.ReadFile(kept[0])
	require.NoError(t, err)
	assert.Equal(t, string(bad), string(b))
	assert.Len(t, files.LoadSeries(), 1)
}

func TestCreateRequestAcceptsDateOnlyNextDue(t *testing.T) {
	var req CreateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"schedule":{"type":"daily"},"next_due":"2024-02-01"}`), &req))
	require.NotNil(t, req.NextDue)
	assert.Equal(t, "2024-02-01", recurrence.DateKey(*req.NextDue))

	assert.Error(t, json.Unmarshal([]byte(`{"schedule":{"type":"daily"},"next_due":"soon"}`), &req))
}
