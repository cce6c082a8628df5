package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ParseCommand turns a chat message into a request. prefix is "/" for
// Telegram and "!" for Discord. A Telegram style "@botname" suffix on the
// command word is ignored. ok is false for messages that are not commands.
func ParseCommand(text, prefix string) (req Request, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return Request{}, false
	}
	word, content, _ := strings.Cut(strings.TrimPrefix(text, prefix), " ")
	if at := strings.IndexByte(word, '@'); at >= 0 {
		word = word[:at]
	}
	content = strings.TrimSpace(content)
	req.Command = text

	switch strings.ToLower(word) {
	case "today":
		req.Action, req.Parameters.Date = ListTasks, "today"
	case "tasks":
		req.Action = ListTasks
	case "add":
		req.Action, req.Parameters.Title = AddTask, content
	case "done":
		req.Action, req.Parameters.Title = CompleteTask, content
	case "summary", "status":
		req.Action = GetSummary
	case "series":
		req.Action = ListSeries
	case "skip":
		req.Action, req.Parameters.Series = SkipSeries, content
	case "toggle":
		req.Action, req.Parameters.Series = ToggleSeries, content
	case "sync":
		req.Action = SyncAgenda
	default:
		return Request{}, false
	}
	return req, true
}

// HandleText parses and executes a chat message and renders the reply.
// ok is false when the message is not a command.
func (d *Dispatcher) HandleText(ctx context.Context, text, prefix string) (reply string, ok bool) {
	req, ok := ParseCommand(text, prefix)
	if !ok {
		return "", false
	}
	res, err := d.Execute(ctx, req)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	return Render(res), true
}

// Render formats a result as a chat reply.
func Render(res Result) string {
	var b strings.Builder
	b.WriteString(res.SpeechResponse)
	for _, t := range res.Tasks {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		fmt.Fprintf(&b, "\n[%s] %s", mark, TruncateTitle(t.Title))
		if t.Date != "" {
			fmt.Fprintf(&b, " (%s)", t.Date)
		}
	}
	for _, s := range res.Series {
		state := "active"
		if !s.Active {
			state = "paused"
		}
		fmt.Fprintf(&b, "\n- %s [%s]", TruncateTitle(s.Title), state)
		if s.NextDue != nil {
			fmt.Fprintf(&b, " next %s", s.NextDue.Format(time.DateOnly))
		}
	}
	names := make([]string, 0, len(res.SyncResult))
	for name := range res.SyncResult {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out := res.SyncResult[name]
		fmt.Fprintf(&b, "\n%s: download=%t upload=%t", name, out.Downloaded, out.Uploaded)
		if out.Error != "" {
			fmt.Fprintf(&b, " error=%s", out.Error)
		}
	}
	return b.String()
}

// TruncateTitle shortens a title to 40 characters with "..." if needed.
func TruncateTitle(title string) string {
	r := []rune(title)
	if len(r) > 40 {
		return string(r[:40]) + "..."
	}
	return title
}
