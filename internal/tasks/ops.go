package tasks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/candlekeep/aide/internal/config"
	"github.com/candlekeep/aide/internal/router"
	"github.com/candlekeep/aide/internal/scheduler"
)

// scriptTimeout is the hard ceiling on backup and other script runs.
const scriptTimeout = 5 * time.Minute

// diskWarnPctDefault is the used-space percentage that triggers a
// warning when the task has no threshold configured.
const diskWarnPctDefault = 90

// HealthCheck verifies the session pane is alive and the state
// directory is writable. The primary human is told when the session
// disappears, once per outage.
func HealthCheck(d Deps) scheduler.Task {
	var mu sync.Mutex
	notified := false

	return scheduler.Task{
		Name: "health-check",
		Run: func(ctx context.Context) error {
			alive := d.Session()
			mu.Lock()
			tell := !alive && !notified
			notified = !alive
			mu.Unlock()
			if tell {
				d.Log.Error("session pane missing")
				d.notifyPrimary("The agent session is gone. I'll keep running, but scheduled work is on hold until it's back.")
			}

			stateDir := config.ExpandHome(d.Cfg.Daemon.StateDir)
			probe := filepath.Join(stateDir, ".health")
			if err := os.WriteFile(probe, []byte(time.Now().Format(time.RFC3339)), 0o644); err != nil {
				return fmt.Errorf("state dir not writable: %w", err)
			}
			os.Remove(probe)
			return nil
		},
	}
}

// DiskUsageCheck warns the primary human when the state directory's
// filesystem runs low on space.
func DiskUsageCheck(d Deps) scheduler.Task {
	var mu sync.Mutex
	warned := false

	return scheduler.Task{
		Name: "disk-usage-check",
		Run: func(ctx context.Context) error {
			warnPct := diskWarnPctDefault
			if raw := d.opt("disk-usage-check", "warn_pct"); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("disk-usage-check: bad warn_pct %q", raw)
				}
				warnPct = parsed
			}

			usedPct, err := diskUsedPct(ctx, config.ExpandHome(d.Cfg.Daemon.StateDir))
			if err != nil {
				return err
			}

			mu.Lock()
			tell := usedPct >= warnPct && !warned
			warned = usedPct >= warnPct
			mu.Unlock()
			if tell {
				d.Log.Warn("disk space low", "usedPct", usedPct)
				d.notifyPrimary(fmt.Sprintf("Disk is %d%% full on my host. Worth cleaning up soon.", usedPct))
			}
			return nil
		},
	}
}

// diskUsedPct shells out to df; there is no portable statfs in the
// standard library.
func diskUsedPct(ctx context.Context, path string) (int, error) {
	out, err := exec.CommandContext(ctx, "df", "-k", path).Output()
	if err != nil {
		return 0, fmt.Errorf("df %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("df %s: unexpected output", path)
	}
	for _, field := range strings.Fields(lines[len(lines)-1]) {
		if strings.HasSuffix(field, "%") {
			return strconv.Atoi(strings.TrimSuffix(field, "%"))
		}
	}
	return 0, fmt.Errorf("df %s: no usage column", path)
}

// LogRotationCheck flags a daemon log that has grown well past the
// rotation ceiling, which means rotation is misconfigured or stuck.
func LogRotationCheck(d Deps) scheduler.Task {
	return scheduler.Task{
		Name: "log-rotation-check",
		Run: func(ctx context.Context) error {
			logFile := config.ExpandHome(d.Cfg.Daemon.LogFile)
			if logFile == "" {
				return nil
			}
			info, err := os.Stat(logFile)
			if os.IsNotExist(err) {
				return nil
			}
			if err != nil {
				return err
			}
			maxMB := d.Cfg.Daemon.LogRotation.MaxSizeMB
			if maxMB <= 0 {
				return nil
			}
			if info.Size() > int64(maxMB)*2<<20 {
				d.Log.Warn("log file past rotation ceiling",
					"file", logFile, "sizeMB", info.Size()>>20, "maxMB", maxMB)
			}
			return nil
		},
	}
}

// Backup runs the configured backup script with a hard timeout. The
// script's output tail is folded into the error on failure.
func Backup(d Deps) scheduler.Task {
	return scheduler.Task{
		Name: "backup",
		Run: func(ctx context.Context) error {
			script := config.ExpandHome(d.opt("backup", "script"))
			if script == "" {
				return fmt.Errorf("backup: no script configured")
			}
			runCtx, cancel := context.WithTimeout(ctx, scriptTimeout)
			defer cancel()

			out, err := exec.CommandContext(runCtx, "/bin/sh", "-c", script).CombinedOutput()
			if runCtx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("backup script exceeded %s, killed", scriptTimeout)
			}
			if err != nil {
				return fmt.Errorf("backup script: %w: %s", err, tail(string(out), 500))
			}
			d.Log.Info("backup completed", "script", script)
			return nil
		},
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "…" + s[len(s)-n:]
	}
	return s
}

// ChannelSelectionSanity resets a corrupt persisted channel selection
// to the default.
func ChannelSelectionSanity(d Deps) scheduler.Task {
	return scheduler.Task{
		Name: "channel-selection-sanity",
		Run: func(ctx context.Context) error {
			current := d.Router.Channel()
			switch {
			case current == "voice", current == "telegram", current == "telegram-verbose":
				return nil
			case strings.HasPrefix(current, "email:") && len(current) > len("email:"):
				return nil
			}
			d.Log.Warn("resetting invalid channel selection", "was", current)
			return d.Router.SetChannel(router.DefaultChannel)
		},
	}
}

// TranscriptStatsReport logs the stream counters and flags growth in
// parse errors between runs.
func TranscriptStatsReport(d Deps) scheduler.Task {
	var mu sync.Mutex
	var lastParseErrors int64

	return scheduler.Task{
		Name: "transcript-stats-report",
		Run: func(ctx context.Context) error {
			stats := d.Stats()
			mu.Lock()
			grew := stats.ParseErrors > lastParseErrors
			delta := stats.ParseErrors - lastParseErrors
			lastParseErrors = stats.ParseErrors
			mu.Unlock()

			d.Log.Info("transcript stats",
				"emitted", stats.Emitted,
				"droppedDuplicate", stats.DroppedDuplicate,
				"parseErrors", stats.ParseErrors)
			if grew {
				d.Log.Warn("transcript parse errors increased", "new", delta)
			}
			return nil
		},
	}
}
