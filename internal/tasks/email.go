package tasks

import (
	"context"

	"github.com/candlekeep/aide/internal/scheduler"
)

// EmailCheck polls every mail provider, files what triage can file, and
// injects a summary of anything that deserves attention.
func EmailCheck(d Deps) scheduler.Task {
	return scheduler.Task{
		Name:            "email-check",
		RequiresSession: true,
		Run: func(ctx context.Context) error {
			result, err := d.Email.Poll(ctx)
			if err != nil {
				return err
			}
			if result.Filed > 0 {
				d.Log.Info("email triage", "filed", result.Filed,
					"vip", len(result.VIP), "normal", len(result.Normal))
			}
			summary := result.Summary()
			if summary == "" {
				return nil
			}
			return d.Inject(summary)
		},
	}
}
