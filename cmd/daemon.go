package cmd

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/candlekeep/aide/internal/access"
	"github.com/candlekeep/aide/internal/bus"
	"github.com/candlekeep/aide/internal/channels"
	"github.com/candlekeep/aide/internal/channels/email"
	"github.com/candlekeep/aide/internal/channels/telegram"
	"github.com/candlekeep/aide/internal/channels/voice"
	"github.com/candlekeep/aide/internal/config"
	"github.com/candlekeep/aide/internal/httpd"
	"github.com/candlekeep/aide/internal/logging"
	"github.com/candlekeep/aide/internal/peering"
	"github.com/candlekeep/aide/internal/router"
	"github.com/candlekeep/aide/internal/scheduler"
	"github.com/candlekeep/aide/internal/tasks"
	"github.com/candlekeep/aide/internal/tmux"
	"github.com/candlekeep/aide/internal/transcript"
	"github.com/candlekeep/aide/internal/vault"
)

// shutdownGrace is how long cleanup may take before the daemon
// hard-exits.
const shutdownGrace = 5 * time.Second

func runDaemon() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if verbose {
		cfg.Daemon.LogLevel = "debug"
	}

	closeLog, err := logging.Setup(cfg.Daemon)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer closeLog()
	log := logging.Scope("daemon")

	if err := os.MkdirAll(config.ExpandHome(cfg.Daemon.StateDir), 0o755); err != nil {
		log.Error("create state dir", "error", err)
		os.Exit(1)
	}

	secrets := vault.New()
	msgBus := bus.New()

	// Session bridge: the only writer to the tmux pane.
	bridge := tmux.New(cfg.Tmux.Session, cfg.Tmux.Socket, cfg.Tmux.Command, logging.Scope("tmux"))
	if err := bridge.StartSession(); err != nil {
		log.Warn("session not started, scheduled work will defer", "error", err)
	}
	inject := func(text string) error { return bridge.Inject(text, true) }

	rt := router.New(msgBus, cfg.StatePath("channel"), cfg.Channels.Telegram.PrimaryChat, logging.Scope("router"))

	ctrl, err := access.New(cfg.StatePath("access.json"), cfg.StatePath("safe-senders.json"), logging.Scope("access"))
	if err != nil {
		log.Error("load access state", "error", err)
		os.Exit(1)
	}
	limiter := access.NewRateLimiter(
		cfg.Security.RateLimits.IncomingMaxPerMinute,
		cfg.Security.RateLimits.OutgoingMaxPerMinute)

	manager := channels.NewManager(msgBus, limiter)

	// Transcript stream fans assistant messages into the router.
	poll, err := config.ParseInterval(cfg.Transcript.PollInterval)
	if err != nil {
		log.Error("transcript poll interval", "error", err)
		os.Exit(1)
	}
	stream := transcript.New(
		config.ExpandHome(cfg.Transcript.Dir), cfg.Transcript.Extension, poll,
		func(m transcript.Message) { rt.HandleAssistant(m.Text) },
		logging.Scope("transcript"))

	// Adapters. A failed adapter logs a warning and the daemon carries on.
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, secrets, msgBus)
		if err != nil {
			log.Warn("telegram adapter not started", "error", err)
		} else {
			manager.RegisterChannel("telegram", tg)
			rt.SetTypingCallbacks(tg.StartTyping, tg.StopTyping)
		}
	}
	var emailCh *email.Channel
	if cfg.Channels.Email.Enabled {
		emailCh, err = email.New(cfg.Channels.Email, secrets, msgBus, cfg.StatePath("email-seen.db"), logging.Scope("email"))
		if err != nil {
			log.Warn("email adapter not started", "error", err)
			emailCh = nil
		} else {
			manager.RegisterChannel("email", emailCh)
		}
	}
	var voiceCh *voice.Channel
	if cfg.Channels.Voice.Enabled {
		voiceCh = voice.New(cfg.Channels.Voice, rt, inject, msgBus, logging.Scope("voice"))
		manager.RegisterChannel("voice", voiceCh)
	}

	inbound := channels.NewInbound(msgBus, ctrl, limiter, rt, inject, logging.Scope("inbound"))

	// Inter-agent messaging.
	var peerMgr *peering.Manager
	var peerSecret string
	if cfg.AgentComms.Enabled {
		peerMgr, peerSecret = buildPeering(cfg, secrets, bridge, ctrl, inject)
	}
	if peerMgr != nil {
		mgr := peerMgr
		msgBus.Subscribe("peering", func(e bus.Event) {
			if e.Name == bus.EventAgentIdle {
				mgr.DrainIdle()
			}
		})
		defer msgBus.Unsubscribe("peering")
	}

	// Scheduler plus the first-party task set.
	sched, err := scheduler.New(cfg.StatePath("scheduler.json"), bridge.State.Idle, bridge.SessionExists, logging.Scope("scheduler"))
	if err != nil {
		log.Error("load scheduler state", "error", err)
		os.Exit(1)
	}
	deps := tasks.Deps{
		Cfg:     cfg,
		Inject:  inject,
		Session: bridge.SessionExists,
		Email:   emailCh,
		Peering: peerMgr,
		Access:  ctrl,
		Router:  rt,
		Stats:   stream.Stats,
		Bus:     msgBus,
		Log:     logging.Scope("tasks"),
		Options: tasks.Options(cfg.Scheduler.Tasks),
	}
	for _, t := range tasks.All(deps) {
		sched.Register(t)
	}
	if err := sched.Bind(cfg.Scheduler.Tasks); err != nil {
		log.Error("bind scheduled tasks", "error", err)
		os.Exit(1)
	}
	// Peer plumbing runs on its own configured cadence unless the task
	// list overrides it.
	if peerMgr != nil {
		if err := sched.BindDefault("peer-heartbeat", cfg.AgentComms.HeartbeatInt); err != nil {
			log.Error("bind peer heartbeat", "error", err)
			os.Exit(1)
		}
		if cfg.Network.Enabled {
			if err := sched.BindDefault("relay-inbox-poll", cfg.Network.PollInterval); err != nil {
				log.Error("bind relay poll", "error", err)
				os.Exit(1)
			}
		}
	}

	server := httpd.New(httpd.Deps{
		Cfg:       cfg,
		Bridge:    bridge,
		Bus:       msgBus,
		Stream:    stream,
		Router:    rt,
		Voice:     voiceCh,
		Peering:   peerMgr,
		Scheduler: sched,
		Channels:  manager,
		Ring:      logging.Recent(),
		Secret:    peerSecret,
		Version:   Version,
		Log:       logging.Scope("http"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return stream.Run(runCtx) })
	g.Go(func() error { return inbound.Run(runCtx) })
	g.Go(func() error { return sched.Run(runCtx) })
	g.Go(func() error { return server.Start(runCtx) })

	if err := manager.StartAll(runCtx); err != nil {
		log.Error("start channels", "error", err)
	}
	log.Info("daemon up", "agent", cfg.Agent.Name, "port", cfg.Daemon.Port, "version", Version)

	<-ctx.Done()
	log.Info("shutting down")

	// Hard exit if any cleanup stalls.
	go func() {
		time.Sleep(shutdownGrace)
		fmt.Fprintln(os.Stderr, "shutdown stalled, exiting")
		os.Exit(2)
	}()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := manager.StopAll(stopCtx); err != nil {
		log.Warn("stop channels", "error", err)
	}
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Warn("shutdown", "error", err)
	}
	log.Info("daemon stopped")
}

// buildPeering resolves the peering identity from the vault; a missing
// secret disables the module rather than failing startup.
func buildPeering(cfg *config.Config, secrets vault.Store, bridge *tmux.Bridge, ctrl *access.Controller, inject func(string) error) (*peering.Manager, string) {
	log := logging.Scope("peering")

	secret, err := secrets.Get(cfg.AgentComms.SecretName)
	if err != nil {
		log.Warn("peering disabled, no bearer secret", "error", err)
		return nil, ""
	}
	keyB64, err := secrets.Get(cfg.AgentComms.KeySecret)
	if err != nil {
		log.Warn("peering disabled, no signing key", "error", err)
		return nil, ""
	}
	keyBytes, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil || len(keyBytes) != ed25519.PrivateKeySize {
		log.Warn("peering disabled, signing key is not a base64 ed25519 private key")
		return nil, ""
	}

	var relay *peering.RelayClient
	if cfg.Network.Enabled && cfg.Network.RelayURL != "" {
		relay = peering.NewRelayClient(cfg.Network.RelayURL, cfg.Agent.Name)
	}
	audit, err := peering.OpenAudit(cfg.StatePath("peer-audit.jsonl"), log)
	if err != nil {
		log.Warn("peer audit log unavailable", "error", err)
	}

	return peering.NewManager(
		cfg.Agent.Name, ed25519.PrivateKey(keyBytes), cfg.AgentComms.Peers,
		peering.NewClient(secret), relay, audit,
		inject, bridge.State.Idle, ctrl.Classify, log), secret
}
