package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/candlekeep/aide/internal/scheduler"
)

// MorningBriefing injects the daily kickoff prompt. The agent does the
// actual summarizing; this task only asks.
func MorningBriefing(d Deps) scheduler.Task {
	return scheduler.Task{
		Name:            "morning-briefing",
		RequiresSession: true,
		Run: func(ctx context.Context) error {
			today := time.Now().Format("Monday, January 2")
			prompt := fmt.Sprintf(
				"Good morning. Today is %s. Check the calendar and the to-do list, "+
					"summarize the day ahead, and flag anything urgent or overdue.", today)
			return d.Inject(prompt)
		},
	}
}

// MemoryConsolidation asks the agent to fold the day's conversations
// into its long-term memory files.
func MemoryConsolidation(d Deps) scheduler.Task {
	return scheduler.Task{
		Name:            "memory-consolidation",
		RequiresSession: true,
		Run: func(ctx context.Context) error {
			return d.Inject(
				"Review today's conversations and update your memory files with anything " +
					"worth keeping long-term. Prune entries that are stale or superseded.")
		},
	}
}
