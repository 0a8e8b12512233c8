package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/candlekeep/aide/internal/scheduler"
)

// PeerHeartbeat exchanges status with every configured peer and updates
// the peer cache.
func PeerHeartbeat(d Deps) scheduler.Task {
	return scheduler.Task{
		Name: "peer-heartbeat",
		Run: func(ctx context.Context) error {
			return d.Peering.Heartbeat(ctx)
		},
	}
}

// RelayInboxPoll fetches and acks envelopes parked at the relay for
// this agent.
func RelayInboxPoll(d Deps) scheduler.Task {
	return scheduler.Task{
		Name: "relay-inbox-poll",
		Run: func(ctx context.Context) error {
			return d.Peering.PollRelay(ctx)
		},
	}
}

// ApprovalAudit expires lapsed approvals and tells the primary human
// who dropped back to unknown.
func ApprovalAudit(d Deps) scheduler.Task {
	return scheduler.Task{
		Name: "approval-audit",
		Run: func(ctx context.Context) error {
			lapsed, err := d.Access.SweepExpired()
			if err != nil {
				return err
			}
			if len(lapsed) == 0 {
				return nil
			}
			names := make([]string, 0, len(lapsed))
			for _, rec := range lapsed {
				name := rec.Name
				if name == "" {
					name = rec.ID
				}
				names = append(names, name)
			}
			d.Log.Info("approvals expired", "count", len(lapsed))
			d.notifyPrimary(fmt.Sprintf(
				"Approval expired for: %s. They'll need re-approval to reach me.",
				strings.Join(names, ", ")))
			return nil
		},
	}
}
