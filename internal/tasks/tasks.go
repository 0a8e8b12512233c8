// Package tasks holds the first-party scheduled tasks. Each constructor
// returns a scheduler.Task; All wires the full set from one Deps bundle
// so the daemon registers them in a single call.
package tasks

import (
	"log/slog"

	"github.com/candlekeep/aide/internal/access"
	"github.com/candlekeep/aide/internal/bus"
	"github.com/candlekeep/aide/internal/channels/email"
	"github.com/candlekeep/aide/internal/config"
	"github.com/candlekeep/aide/internal/peering"
	"github.com/candlekeep/aide/internal/router"
	"github.com/candlekeep/aide/internal/scheduler"
	"github.com/candlekeep/aide/internal/transcript"
)

// Deps bundles the collaborators tasks draw on. Adapter fields may be
// nil when the adapter is disabled; All skips the tasks that need them.
type Deps struct {
	Cfg     *config.Config
	Inject  func(text string) error
	Session func() bool // session existence, used by health checks
	Email   *email.Channel
	Peering *peering.Manager
	Access  *access.Controller
	Router  *router.Router
	Stats   func() transcript.Stats
	Bus     *bus.MessageBus
	Log     *slog.Logger
	Options map[string]map[string]string // per-task config blocks
}

// Options extracts the per-task config blocks from the scheduler
// config, keyed by task name.
func Options(entries []config.TaskConfig) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, e := range entries {
		if len(e.Config) > 0 {
			out[e.Name] = e.Config
		}
	}
	return out
}

// opt looks up one task option, "" when absent.
func (d Deps) opt(task, key string) string {
	return d.Options[task][key]
}

// notifyPrimary pushes a message to the primary human on the default
// chat channel. Adapters resolve the empty chat ID to the primary chat.
func (d Deps) notifyPrimary(text string) {
	d.Bus.PublishOutbound(bus.OutboundMessage{Channel: router.DefaultChannel, Content: text})
}

// All returns every task the daemon ships, minus those whose adapter is
// disabled.
func All(d Deps) []scheduler.Task {
	ts := []scheduler.Task{
		MorningBriefing(d),
		MemoryConsolidation(d),
		CalendarReminders(d),
		TodoReview(d),
		ContextWatchdog(d),
		HealthCheck(d),
		DiskUsageCheck(d),
		LogRotationCheck(d),
		Backup(d),
		ChannelSelectionSanity(d),
		TranscriptStatsReport(d),
		ApprovalAudit(d),
	}
	if d.Email != nil {
		ts = append(ts, EmailCheck(d))
	}
	if d.Peering != nil {
		ts = append(ts, PeerHeartbeat(d), RelayInboxPoll(d))
	}
	return ts
}
