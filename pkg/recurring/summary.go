package recurring

import (
	"strings"
	"time"

	"github.com/mklimuk/agenda-pilot/pkg/recurrence"
	"github.com/mklimuk/agenda-pilot/pkg/store"
)

// Summary is the listing view of a series.
type Summary struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	NextDue     *time.Time      `json:"next_due"`
	LastCreated *time.Time      `json:"last_created"`
	Active      bool            `json:"active"`
	Schedule    recurrence.Rule `json:"schedule"`
}

// Summarize returns the listing view of s.
func Summarize(s store.Series) Summary {
	return Summary{
		ID:          s.ID,
		Title:       s.Title(),
		NextDue:     s.NextDue,
		LastCreated: s.LastCreated,
		Active:      s.Active,
		Schedule:    s.Schedule,
	}
}

// Summaries lists every series.
func (e *Engine) Summaries() []Summary {
	series := e.List()
	out := make([]Summary, 0, len(series))
	for _, s := range series {
		out = append(out, Summarize(s))
	}
	return out
}

// Resolve finds a series by exact ID, then by case-insensitive title
// substring. Ambiguous titles resolve to nothing.
func (e *Engine) Resolve(ref string) (store.Series, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return store.Series{}, ErrNotFound
	}
	series := e.List()
	if i := store.FindSeries(series, ref); i >= 0 {
		return series[i], nil
	}

	needle := strings.ToLower(ref)
	var match *store.Series
	for i := range series {
		if !strings.Contains(strings.ToLower(series[i].Title()), needle) {
			continue
		}
		if match != nil {
			return store.Series{}, ErrNotFound
		}
		match = &series[i]
	}
	if match == nil {
		return store.Series{}, ErrNotFound
	}
	return *match, nil
}
