package tasks

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/candlekeep/aide/internal/config"
	"github.com/candlekeep/aide/internal/scheduler"
)

// defaultLookahead is how far ahead calendar reminders look.
const defaultLookahead = time.Hour

// calendarEvent is one parsed line of the calendar file:
// "2026-08-24 15:00 Dentist".
type calendarEvent struct {
	at    time.Time
	title string
}

// CalendarReminders reads the filesystem calendar and injects a
// reminder for events starting within the lookahead window.
func CalendarReminders(d Deps) scheduler.Task {
	return scheduler.Task{
		Name:            "calendar-reminders",
		RequiresSession: true,
		Run: func(ctx context.Context) error {
			path := config.ExpandHome(d.opt("calendar-reminders", "file"))
			if path == "" {
				return fmt.Errorf("calendar-reminders: no file configured")
			}
			lookahead := defaultLookahead
			if raw := d.opt("calendar-reminders", "lookahead"); raw != "" {
				parsed, err := config.ParseInterval(raw)
				if err != nil {
					return fmt.Errorf("calendar-reminders: %w", err)
				}
				lookahead = parsed
			}

			events, err := readCalendar(path)
			if err != nil {
				return err
			}
			now := time.Now()
			var due []calendarEvent
			for _, e := range events {
				if e.at.After(now) && e.at.Before(now.Add(lookahead)) {
					due = append(due, e)
				}
			}
			if len(due) == 0 {
				return nil
			}

			var b strings.Builder
			b.WriteString("Upcoming events:\n")
			for _, e := range due {
				fmt.Fprintf(&b, "- %s %s\n", e.at.Format("15:04"), e.title)
			}
			b.WriteString("Remind me about these.")
			return d.Inject(b.String())
		},
	}
}

// readCalendar parses "YYYY-MM-DD HH:MM title" lines. Blank lines and
// lines starting with # are skipped; malformed lines are ignored.
func readCalendar(path string) ([]calendarEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	var events []calendarEvent
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 3 {
			continue
		}
		at, err := time.ParseInLocation("2006-01-02 15:04", fields[0]+" "+fields[1], time.Local)
		if err != nil {
			continue
		}
		events = append(events, calendarEvent{at: at, title: fields[2]})
	}
	return events, nil
}

// TodoReview counts open checkbox items in the to-do file and asks the
// agent to review the list when anything is open.
func TodoReview(d Deps) scheduler.Task {
	return scheduler.Task{
		Name:            "todo-review",
		RequiresSession: true,
		Run: func(ctx context.Context) error {
			path := config.ExpandHome(d.opt("todo-review", "file"))
			if path == "" {
				return fmt.Errorf("todo-review: no file configured")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read todo list: %w", err)
			}
			open := strings.Count(string(data), "- [ ]")
			if open == 0 {
				return nil
			}
			return d.Inject(fmt.Sprintf(
				"The to-do list has %d open items. Review it, knock out anything quick, "+
					"and tell me what still needs my attention.", open))
		},
	}
}
