// Botster Hub - operator-facing hub multiplexing interactive agent sessions.
//
// This is the main entry point for the botster-hub CLI. It manages
// autonomous coding agents in git worktrees, exposes their PTYs to a local
// TUI and to paired browsers over an encrypted WebRTC DataChannel, and
// delegates all policy to the embedded Lua runtime.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trybotster/botster-hub/internal/auth"
	"github.com/trybotster/botster-hub/internal/commands"
	"github.com/trybotster/botster-hub/internal/config"
	"github.com/trybotster/botster-hub/internal/device"
	"github.com/trybotster/botster-hub/internal/git"
	"github.com/trybotster/botster-hub/internal/hub"
	"github.com/trybotster/botster-hub/internal/luaengine"
	"github.com/trybotster/botster-hub/internal/prompt"
	"github.com/trybotster/botster-hub/internal/tui"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Exit codes: 0 clean shutdown, 1 uncaught script error in strict mode,
// 2 unrecoverable signaling handshake failure in non-interactive runs.
const (
	exitOK            = 0
	exitScriptFailure = 1
	exitHandshake     = 2
)

func main() {
	// Restore the terminal if we crash while in raw/alt-screen mode.
	defer func() {
		if r := recover(); r != nil {
			fmt.Print("\033[?1049l") // Exit alt screen
			fmt.Print("\033[?25h")   // Show cursor
			fmt.Print("\033[0m")     // Reset colors

			fmt.Fprintf(os.Stderr, "\n\nPANIC: %v\n", r)
			os.Exit(exitScriptFailure)
		}
	}()

	setupLogging()

	rootCmd := &cobra.Command{
		Use:     "botster-hub",
		Short:   "Hub for multiplexed AI agent coding sessions",
		Version: Version,
		RunE:    runStart,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the hub",
		RunE:  runStart,
	}
	startCmd.Flags().Bool("headless", false, "Run without the TUI")
	rootCmd.Flags().Bool("headless", false, "Run without the TUI")

	jsonCmd := &cobra.Command{
		Use:   "json",
		Short: "Read and edit JSON files (for .botster scripts)",
	}
	jsonCmd.AddCommand(&cobra.Command{
		Use:   "get <file> <key-path>",
		Short: "Read a value using dot-notation path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := commands.JSONGet(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	})
	jsonCmd.AddCommand(&cobra.Command{
		Use:   "set <file> <key-path> <value>",
		Short: "Set a value using dot-notation path",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.JSONSet(args[0], args[1], args[2])
		},
	})
	jsonCmd.AddCommand(&cobra.Command{
		Use:   "delete <file> <key-path>",
		Short: "Delete a key using dot-notation path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.JSONDelete(args[0], args[1])
		},
	})

	worktreeCmd := &cobra.Command{
		Use:   "worktree",
		Short: "Manage agent worktrees",
	}
	worktreeCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all worktrees",
		RunE:  runListWorktrees,
	})
	worktreeCmd.AddCommand(&cobra.Command{
		Use:   "remove <issue-number>",
		Short: "Remove the worktree for an issue",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemoveWorktree,
	})

	promptCmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the prompt for the current worktree",
		RunE:  runPrompt,
	}

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the Botster server",
		RunE:  runLogin,
	}
	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored authentication token",
		RunE:  runLogout,
	}

	rootCmd.AddCommand(startCmd, jsonCmd, worktreeCmd, promptCmd, loginCmd, logoutCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitScriptFailure)
	}
}

// setupLogging writes structured logs to ~/.botster/logs/hub.log: the TUI
// owns the terminal, so stderr is unusable while interactive.
func setupLogging() {
	logPath := "/tmp/botster-hub.log"
	if dir, err := config.LogDir(); err == nil {
		logPath = filepath.Join(dir, "hub.log")
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logFile = os.Stderr
	}

	logLevel := slog.LevelInfo
	if os.Getenv("BOTSTER_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func runStart(cmd *cobra.Command, args []string) error {
	headless, _ := cmd.Flags().GetBool("headless")
	logger := slog.Default()

	logger.Info("Starting Botster Hub", "version", Version, "headless", headless)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !cfg.OfflineMode && cfg.ValidateToken() != nil {
		fmt.Println("No valid authentication token found.")
		fmt.Println("Run `botster-hub login`, set BOTSTER_TOKEN, or set BOTSTER_OFFLINE_MODE=1.")
		return fmt.Errorf("not authenticated")
	}

	dev, err := device.LoadOrCreate()
	if err != nil {
		if headless {
			os.Exit(exitHandshake)
		}
		return fmt.Errorf("device identity unavailable: %w", err)
	}
	logger.Info("Device identity loaded", "fingerprint", dev.Fingerprint)

	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}
	h.Setup(dev.Identity)

	rt, err := luaengine.New(luaengine.Options{
		Paths:  cfg.LuaDirs(),
		Strict: cfg.LuaStrict,
		Host:   h,
		Logger: logger,
		Sinks:  h.LuaSinks(),
		HubClientSender: func(payload []byte) ([]byte, error) {
			if h.Cable == nil {
				return nil, fmt.Errorf("no server connection")
			}
			return h.Cable.Request(payload)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create scripting runtime: %w", err)
	}
	defer rt.Close()
	h.Lua = rt

	if err := rt.LoadScripts(); err != nil {
		logger.Error("Script load failed", "error", err)
		os.Exit(exitScriptFailure)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		h.Enqueue(hub.Event{Kind: hub.EventAction, Action: hub.QuitAction()})
		cancel()
	}()

	hubDone := make(chan error, 1)
	go func() {
		hubDone <- h.Run(ctx)
	}()

	if headless {
		logger.Info("Running headless")
		<-hubDone
		return nil
	}

	ui := tui.New(h, rt, logger)
	if err := rt.WatchForChanges(ui.Wake); err != nil {
		logger.Warn("Hot reload unavailable", "error", err)
	}

	if err := ui.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	cancel()
	<-hubDone
	logger.Info("Shutdown complete")
	return nil
}

func runListWorktrees(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cwd, _ := os.Getwd()
	mgr := git.New(cwd, cfg.WorktreeBase, slog.Default())

	worktrees, err := mgr.ListAllWorktrees()
	if err != nil {
		return err
	}
	for _, wt := range worktrees {
		fmt.Printf("%s\t%s\n", wt.Path, wt.Branch)
	}
	return nil
}

func runRemoveWorktree(cmd *cobra.Command, args []string) error {
	issueNumber, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid issue number %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cwd, _ := os.Getwd()
	mgr := git.New(cwd, cfg.WorktreeBase, slog.Default())
	return mgr.DeleteWorktreeByIssueNumber(issueNumber)
}

func runPrompt(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	source := prompt.NewSource("", slog.Default())
	text, err := source.Load(cwd)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Pairing binds the token to this device's key identity; create the
	// identity first so the fingerprint can be shown for verification.
	dev, err := device.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("device identity unavailable: %w", err)
	}

	flow := auth.NewFlow(cfg.ServerURL, auth.Options{})
	token, err := flow.Login(cmd.Context(), dev.Name, dev.Fingerprint)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	cfg.Token = token
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Println("Authenticated.")
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Token = ""
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}
