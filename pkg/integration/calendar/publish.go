package calendar

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mklimuk/agenda-pilot/pkg/db"
	"github.com/mklimuk/agenda-pilot/pkg/store"
)

// DefaultHorizon is how many days ahead dated tasks are published.
const DefaultHorizon = 14

// Publisher pushes dated tasks to Google Calendar as all-day events. The
// task to event mapping lives in the ledger, keyed by task ID; an event is
// rewritten when the task's title or date changes.
type Publisher struct {
	service CalendarAPI
	files   *store.Files
	repo    *db.Repository
	horizon int
}

// NewPublisher creates a publisher. horizon <= 0 means DefaultHorizon.
func NewPublisher(service CalendarAPI, files *store.Files, repo *db.Repository, horizon int) *Publisher {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Publisher{service: service, files: files, repo: repo, horizon: horizon}
}

// Publish pushes every open task dated between today and the horizon.
func (p *Publisher) Publish(ctx context.Context, now time.Time) (int, error) {
	p.files.Lock()
	tasks := p.files.LoadTasks()
	p.files.Unlock()

	from := now.Format(dateLayout)
	to := now.AddDate(0, 0, p.horizon).Format(dateLayout)
	var due []store.Task
	for _, t := range tasks {
		if t.Completed || t.Date == "" || t.Date < from || t.Date > to {
			continue
		}
		due = append(due, t)
	}
	return p.PublishTasks(ctx, due)
}

// PublishTasks pushes the given tasks and returns how many events were
// created or updated. Tasks without a valid date are ignored.
func (p *Publisher) PublishTasks(ctx context.Context, tasks []store.Task) (int, error) {
	published := 0
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		changed, err := p.publish(ctx, t)
		if err != nil {
			log.Printf("calendar: task %s: %v", t.ID, err)
			continue
		}
		if changed {
			published++
		}
	}
	if published > 0 {
		log.Printf("calendar: published %d events", published)
	}
	return published, nil
}

func (p *Publisher) publish(ctx context.Context, t store.Task) (bool, error) {
	day, err := time.Parse(dateLayout, t.Date)
	if err != nil {
		return false, nil
	}
	key := SyncKey(t)
	evt := Event{
		Summary:     t.Title,
		Description: t.Description,
		StartTime:   day,
		EndTime:     day.AddDate(0, 0, 1),
		AllDay:      true,
	}

	rec, err := p.repo.GetCalendarSyncByTaskID(string(t.ID))
	if err != nil {
		return false, err
	}
	if rec == nil {
		eventID, err := p.service.CreateEvent(ctx, evt)
		if err != nil {
			return false, fmt.Errorf("create event: %w", err)
		}
		if err := p.repo.InsertCalendarSync(string(t.ID), eventID, key); err != nil {
			return false, err
		}
		return true, nil
	}
	if rec.SyncKey == key {
		return false, nil
	}
	if err := p.service.UpdateEvent(ctx, rec.EventID, evt); err != nil {
		return false, fmt.Errorf("update event: %w", err)
	}
	if err := p.repo.UpdateCalendarSync(string(t.ID), key); err != nil {
		return false, err
	}
	return true, nil
}

// SyncKey identifies the published state of a task.
func SyncKey(t store.Task) string {
	return t.Title + "|" + t.Date
}
