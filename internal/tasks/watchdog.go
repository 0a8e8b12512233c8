package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/candlekeep/aide/internal/config"
	"github.com/candlekeep/aide/internal/scheduler"
)

// Default escalation thresholds (percent of the context window).
const (
	defaultNoticePct   = 50
	defaultWarnPct     = 65
	defaultUrgentPct   = 80
	defaultCriticalPct = 90
)

// usageReport is the context-usage file written by the LLM status line.
type usageReport struct {
	SessionID string  `json:"sessionId"`
	UsedPct   float64 `json:"usedPct"`
}

// watchdogTier orders the escalation levels; 0 = below notice.
type watchdogTier int

const (
	tierNone watchdogTier = iota
	tierNotice
	tierWarn
	tierUrgent
	tierCritical
)

var tierPrompts = map[watchdogTier]string{
	tierNotice: "Heads up: the session context is %d%% full. Keep answers tight.",
	tierWarn: "The session context is %d%% full. Wrap up open threads and avoid " +
		"reading large files unless necessary.",
	tierUrgent: "The session context is %d%% full. Finish what you're doing and " +
		"write any important state to your memory files now.",
	tierCritical: "The session context is %d%% full. Stop new work, save all " +
		"important state to memory files immediately, and tell me the session needs a restart.",
}

// ContextWatchdog escalates as the session context fills. Each tier
// fires at most once per session; a new session ID resets the ladder.
func ContextWatchdog(d Deps) scheduler.Task {
	var mu sync.Mutex
	lastSession := ""
	lastTier := tierNone

	cfg := d.Cfg.Watchdog
	noticePct := orDefault(cfg.NoticePct, defaultNoticePct)
	warnPct := orDefault(cfg.WarnPct, defaultWarnPct)
	urgentPct := orDefault(cfg.UrgentPct, defaultUrgentPct)
	criticalPct := orDefault(cfg.CriticalPct, defaultCriticalPct)

	return scheduler.Task{
		Name:            "context-watchdog",
		RequiresSession: true,
		Run: func(ctx context.Context) error {
			path := config.ExpandHome(cfg.UsageFile)
			if path == "" {
				return fmt.Errorf("context-watchdog: no usage file configured")
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				return nil // status line not running yet
			}
			if err != nil {
				return fmt.Errorf("read usage file: %w", err)
			}
			var report usageReport
			if err := json.Unmarshal(data, &report); err != nil {
				return fmt.Errorf("parse usage file: %w", err)
			}

			pct := int(report.UsedPct)
			tier := tierNone
			switch {
			case pct >= criticalPct:
				tier = tierCritical
			case pct >= urgentPct:
				tier = tierUrgent
			case pct >= warnPct:
				tier = tierWarn
			case pct >= noticePct:
				tier = tierNotice
			}

			mu.Lock()
			if report.SessionID != lastSession {
				lastSession = report.SessionID
				lastTier = tierNone
			}
			fire := tier > lastTier
			if fire {
				lastTier = tier
			}
			mu.Unlock()

			if !fire || tier == tierNone {
				return nil
			}
			d.Log.Warn("context usage escalation", "pct", pct, "session", report.SessionID)
			return d.Inject(fmt.Sprintf(tierPrompts[tier], pct))
		},
	}
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
