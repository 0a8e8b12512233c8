package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/candlekeep/aide/internal/config"
	"github.com/candlekeep/aide/internal/vault"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("aide doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := config.ExpandHome(resolveConfigPath())
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// tmux
	fmt.Printf("  tmux:     ")
	if path, err := exec.LookPath("tmux"); err != nil {
		fmt.Println("NOT FOUND — install tmux, the daemon cannot run without it")
	} else {
		fmt.Printf("%s (OK)\n", path)
	}

	// State directory
	stateDir := config.ExpandHome(cfg.Daemon.StateDir)
	fmt.Printf("  State:    %s", stateDir)
	probe := filepath.Join(stateDir, ".doctor")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else if err := os.WriteFile(probe, nil, 0o644); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		os.Remove(probe)
		fmt.Println(" (OK)")
	}

	// Secrets: only check names the config actually references.
	secrets := vault.New()
	checkSecret := func(label, name string) {
		if name == "" {
			return
		}
		fmt.Printf("  Secret:   %s (%s)", name, label)
		if _, err := secrets.Get(name); err != nil {
			fmt.Println(" MISSING")
		} else {
			fmt.Println(" OK")
		}
	}
	if cfg.Channels.Telegram.Enabled {
		checkSecret("telegram token", cfg.Channels.Telegram.TokenSecret)
	}
	if cfg.Channels.Email.Enabled {
		for _, p := range cfg.Channels.Email.Providers {
			checkSecret("email "+p.Name, p.PasswordSecret)
		}
	}
	if cfg.AgentComms.Enabled {
		checkSecret("peer bearer", cfg.AgentComms.SecretName)
		checkSecret("peer signing key", cfg.AgentComms.KeySecret)
	}

	fmt.Println()
	fmt.Printf("  Port:     %d\n", cfg.Daemon.Port)
	fmt.Printf("  Session:  %s (socket %s)\n", cfg.Tmux.Session, cfg.Tmux.Socket)
}
