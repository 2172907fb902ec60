package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/heartcore/pkg/brain"
	"github.com/dotsetgreg/heartcore/pkg/bus"
	"github.com/dotsetgreg/heartcore/pkg/channels"
	"github.com/dotsetgreg/heartcore/pkg/config"
	"github.com/dotsetgreg/heartcore/pkg/dispatch"
	"github.com/dotsetgreg/heartcore/pkg/logger"
	"github.com/dotsetgreg/heartcore/pkg/maintenance"
	"github.com/dotsetgreg/heartcore/pkg/session"
)

var (
	version   = "dev"
	gitCommit string
)

const appName = "heartcore"

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	root := &cobra.Command{
		Use:   appName,
		Short: "Group-chat companion bot with a debounced dispatch core",
		Long: strings.TrimSpace(`heartcore is a group-chat companion that batches bursts of messages
into single replies, tracks per-session energy and mood, and defers
competing senders until the current exchange settles.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				logger.SetLevel(logger.DEBUG)
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path (default ~/.heartcore/config.json)")
	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")

	root.AddCommand(runCmd(), chatCmd(), onboardCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".heartcore", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(configPath())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if gitCommit != "" {
				v += fmt.Sprintf(" (git: %s)", gitCommit)
			}
			fmt.Printf("%s %s\n  Go: %s\n", appName, v, runtime.Version())
		},
	}
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("%s is ready!\n\nNext steps:\n", appName)
			fmt.Println("  1. Add your API key to", path)
			fmt.Println("  2. (Discord) Set channels.discord.enabled and the bot token")
			fmt.Println("  3. Try it locally:", appName, "chat")
			fmt.Println("  4. Run the gateway:", appName, "run")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot against the configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if strings.TrimSpace(cfg.Provider.APIKey) == "" {
				return fmt.Errorf("provider.api_key is required in %s or HEARTCORE_PROVIDER_API_KEY", configPath())
			}
			return runApp(cfg, false)
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot on the local terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if strings.TrimSpace(cfg.Provider.APIKey) == "" {
				return fmt.Errorf("provider.api_key is required in %s or HEARTCORE_PROVIDER_API_KEY", configPath())
			}
			// Console sessions should feel snappy.
			cfg.Dispatch.DebounceQuietSeconds = 0.5
			cfg.Channels.Discord.Enabled = false
			return runApp(cfg, true)
		},
	}
}

func runApp(cfg *config.Config, withConsole bool) error {
	durable, err := session.NewSQLiteStore(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	msgBus := bus.NewMessageBus()
	sessions := session.NewStateStore(durable, cfg.Dispatch.EnergyInitial)

	client, err := brain.NewClient(cfg.Provider)
	if err != nil {
		return fmt.Errorf("create provider client: %w", err)
	}
	judge := brain.NewJudge(client, cfg.Provider.JudgeModel)
	generator := brain.NewReplyGenerator(client, cfg.Provider.ReplyModel)
	sanitizer := dispatch.NewBasicSanitizer(
		cfg.Sanitizer.CommandPrefixes,
		cfg.Sanitizer.BotNicknames,
		cfg.Sanitizer.MinMessageLength,
	)

	dispatcher := dispatch.NewDispatcher(cfg.Dispatch, sessions, judge, generator, sanitizer, msgBus)

	task, err := maintenance.NewTask(cfg.Maintenance, sessions)
	if err != nil {
		return fmt.Errorf("create maintenance task: %w", err)
	}

	manager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}
	if withConsole {
		manager.RegisterChannel("console", channels.NewConsoleChannel(msgBus))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	go task.Run(ctx)
	dispatcherDone := make(chan error, 1)
	go func() { dispatcherDone <- dispatcher.Run(ctx) }()

	logger.InfoCF("main", "heartcore started", map[string]interface{}{
		"version":  version,
		"channels": strings.Join(manager.EnabledChannels(), ","),
	})
	fmt.Printf("%s started (channels: %s). Press Ctrl+C to stop.\n",
		appName, strings.Join(manager.EnabledChannels(), ", "))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	<-dispatcherDone
	if err := manager.StopAll(context.Background()); err != nil {
		logger.WarnCF("main", "Channel shutdown error", map[string]interface{}{"error": err.Error()})
	}
	msgBus.Close()
	if err := sessions.Close(context.Background()); err != nil {
		logger.WarnCF("main", "Session store close error", map[string]interface{}{"error": err.Error()})
	}
	fmt.Println("Stopped.")
	return nil
}
