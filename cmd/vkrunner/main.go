// cmd/vkrunner/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vkrunner/runner/internal/approval"
	"github.com/vkrunner/runner/internal/config"
	"github.com/vkrunner/runner/internal/dispatch"
	"github.com/vkrunner/runner/internal/domain"
	"github.com/vkrunner/runner/internal/lease"
	"github.com/vkrunner/runner/internal/noncecache"
	"github.com/vkrunner/runner/internal/orchestrator"
	"github.com/vkrunner/runner/internal/queue"
	"github.com/vkrunner/runner/internal/runtime"
	"github.com/vkrunner/runner/internal/snapshot"
	"github.com/vkrunner/runner/internal/store"
	"github.com/vkrunner/runner/internal/supervisor"
	"github.com/vkrunner/runner/internal/worktree"
)

// Exit codes, per the runner binary's documented contract.
const (
	exitOK                = 0
	exitFatalConfig       = 64
	exitUnsafeManagedRoot = 65
	exitDeviceNotEnrolled = 69
	exitInternalError     = 70
)

var configPath string

func main() {
	os.Exit(run())
}

// run implements the runner's subcommands and maps whatever error comes
// back into one of the classified exit codes, rather than always
// exiting 1 the way a bare cobra.Execute() error would.
func run() int {
	var exitCode int

	rootCmd := &cobra.Command{
		Use:   "vkrunner",
		Short: "Workspace execution runner: dials a control plane and executes dispatched intents",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: "+config.DefaultConfigPath()+")")

	rootCmd.AddCommand(newRunCmd(&exitCode))
	rootCmd.AddCommand(newEnrollCmd(&exitCode))
	rootCmd.AddCommand(newStatusCmd(&exitCode))
	rootCmd.AddCommand(newResetCmd(&exitCode))

	if err := rootCmd.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = exitInternalError
		}
		fmt.Fprintln(os.Stderr, err)
	}
	return exitCode
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// runnerID returns the configured runner ID, or a freshly generated one
// when none is configured; the generated ID is not persisted.
func runnerID(cfg *config.Config) string {
	if cfg.General.RunnerID != "" {
		return cfg.General.RunnerID
	}
	return uuid.NewString()
}

func newRunCmd(exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the control plane and execute dispatched intents until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runMain()
			*exitCode = code
			return err
		},
	}
}

func runMain() (int, error) {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return exitFatalConfig, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Dispatch.ControlPlaneURL == "" || cfg.Dispatch.DeviceID == "" {
		return exitFatalConfig, fmt.Errorf("dispatch.control_plane_url and dispatch.device_id are required")
	}

	wt, err := worktree.NewManager(cfg.General.ManagedRoot)
	if err != nil {
		if errors.Is(err, domain.ErrUnsafePath) {
			return exitUnsafeManagedRoot, fmt.Errorf("managed root rejected: %w", err)
		}
		return exitFatalConfig, fmt.Errorf("initializing worktree manager: %w", err)
	}

	st, err := store.New(cfg.General.StateDBPath)
	if err != nil {
		return exitFatalConfig, fmt.Errorf("opening local state store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	enrolled, err := st.IsDeviceEnrolled(ctx, cfg.Dispatch.DeviceID)
	if err != nil {
		return exitInternalError, fmt.Errorf("checking device enrollment: %w", err)
	}
	if !enrolled {
		return exitDeviceNotEnrolled, fmt.Errorf("device %s is not enrolled; run 'vkrunner enroll' first", cfg.Dispatch.DeviceID)
	}

	nonces, err := noncecache.Load(cfg.General.NonceCachePath, 4096)
	if err != nil {
		return exitFatalConfig, fmt.Errorf("loading nonce cache: %w", err)
	}

	sup := supervisor.New(cfg.General.ManagedRoot, logger)
	snap := snapshot.New(st)
	q := queue.New(st)
	approvals := approval.New(st, cfg.Approval.DefaultTTL, logger)
	runnerIDVal := runnerID(cfg)
	leases := lease.New(st, runnerIDVal, cfg.Lease.TTL, cfg.Lease.HeartbeatInterval, logger)

	orch := orchestrator.New(st, snap, sup, q, approvals, leases, cfg.Dispatch.DeviceID, logger).WithMaxParallel(cfg.General.MaxParallelRepos)
	rt := runtime.New(cfg, st, wt, orch, logger)

	approvalCtx, stopApprovals := context.WithCancel(context.Background())
	defer stopApprovals()
	go approvals.RunExpiryReaper(approvalCtx, cfg.Approval.DefaultTTL/4)

	if err := rt.ReconcileOnStartup(ctx, processAlive); err != nil {
		logger.Warn("startup reconciliation failed", slog.Any("err", err))
	}

	client, err := dispatch.New(dispatch.Config{
		ControlPlaneURL: cfg.Dispatch.ControlPlaneURL,
		DeviceID:        cfg.Dispatch.DeviceID,
		RunnerID:        runnerIDVal,
		MaxSlots:        cfg.General.MaxParallelRepos,
	}, rt, nonces, logger)
	if err != nil {
		return exitFatalConfig, fmt.Errorf("creating dispatch client: %w", err)
	}
	client.WithAuthStore(st)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		client.Stop()
	}()

	logger.Info("vkrunner starting", slog.String("controlPlane", cfg.Dispatch.ControlPlaneURL), slog.String("deviceId", cfg.Dispatch.DeviceID))
	if err := client.RunWithReconnect(); err != nil {
		return exitInternalError, fmt.Errorf("runner stopped: %w", err)
	}
	return exitOK, nil
}

func newEnrollCmd(exitCode *int) *cobra.Command {
	var publicKey string

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Record this device as enrolled in the local state store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				*exitCode = exitFatalConfig
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Dispatch.DeviceID == "" {
				*exitCode = exitFatalConfig
				return fmt.Errorf("dispatch.device_id must be set before enrolling")
			}

			st, err := store.New(cfg.General.StateDBPath)
			if err != nil {
				*exitCode = exitFatalConfig
				return fmt.Errorf("opening local state store: %w", err)
			}
			defer st.Close()

			if err := st.EnrollDevice(context.Background(), domain.DeviceEnrollment{
				DeviceID:   cfg.Dispatch.DeviceID,
				PublicKey:  publicKey,
				EnrolledAt: time.Now(),
			}); err != nil {
				*exitCode = exitInternalError
				return fmt.Errorf("enrolling device: %w", err)
			}
			fmt.Printf("enrolled device %s\n", cfg.Dispatch.DeviceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&publicKey, "pubkey", "", "Device public key presented to the control plane")
	return cmd
}

func newStatusCmd(exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print this runner's configuration and enrollment status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				*exitCode = exitFatalConfig
				return fmt.Errorf("loading config: %w", err)
			}

			st, err := store.New(cfg.General.StateDBPath)
			if err != nil {
				*exitCode = exitFatalConfig
				return fmt.Errorf("opening local state store: %w", err)
			}
			defer st.Close()

			enrolled, err := st.IsDeviceEnrolled(context.Background(), cfg.Dispatch.DeviceID)
			if err != nil {
				*exitCode = exitInternalError
				return fmt.Errorf("checking device enrollment: %w", err)
			}

			fmt.Printf("device_id:      %s\n", cfg.Dispatch.DeviceID)
			fmt.Printf("control_plane:  %s\n", cfg.Dispatch.ControlPlaneURL)
			fmt.Printf("managed_root:   %s\n", cfg.General.ManagedRoot)
			fmt.Printf("enrolled:       %v\n", enrolled)
			return nil
		},
	}
}

func newResetCmd(exitCode *int) *cobra.Command {
	var sessionID, executionID string
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Revert a session's worktrees to an execution's recorded snapshot and drop that execution and every later one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				*exitCode = exitFatalConfig
				return fmt.Errorf("loading config: %w", err)
			}
			if sessionID == "" || executionID == "" {
				*exitCode = exitFatalConfig
				return fmt.Errorf("--session and --execution are required")
			}

			wt, err := worktree.NewManager(cfg.General.ManagedRoot)
			if err != nil {
				if errors.Is(err, domain.ErrUnsafePath) {
					*exitCode = exitUnsafeManagedRoot
				} else {
					*exitCode = exitFatalConfig
				}
				return fmt.Errorf("initializing worktree manager: %w", err)
			}

			st, err := store.New(cfg.General.StateDBPath)
			if err != nil {
				*exitCode = exitFatalConfig
				return fmt.Errorf("opening local state store: %w", err)
			}
			defer st.Close()

			logger := slog.Default()
			sup := supervisor.New(cfg.General.ManagedRoot, logger)
			snap := snapshot.New(st)
			q := queue.New(st)
			approvals := approval.New(st, cfg.Approval.DefaultTTL, logger)
			orch := orchestrator.New(st, snap, sup, q, approvals, nil, "", logger)

			ctx := context.Background()
			sess, err := st.GetSession(ctx, sessionID)
			if err != nil {
				*exitCode = exitInternalError
				return fmt.Errorf("loading session: %w", err)
			}
			repos, err := st.WorkspaceRepos(ctx, sess.WorkspaceID)
			if err != nil {
				*exitCode = exitInternalError
				return fmt.Errorf("loading workspace repos: %w", err)
			}
			dirs := resolveWorktreeDirs(wt, cfg, sessionID, repos)

			if err := orch.ResetSession(ctx, sessionID, executionID, dirs, force); err != nil {
				if errors.Is(err, domain.ErrDirtyWorktree) {
					*exitCode = exitInternalError
					return fmt.Errorf("resetting session: %w (pass --force to discard uncommitted changes)", err)
				}
				*exitCode = exitInternalError
				return fmt.Errorf("resetting session: %w", err)
			}
			fmt.Printf("session %s reset\n", sessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID to reset")
	cmd.Flags().StringVar(&executionID, "execution", "", "Execution ID whose repo snapshots to revert to")
	cmd.Flags().BoolVar(&force, "force", false, "Discard uncommitted worktree changes instead of aborting")
	return cmd
}

// resolveWorktreeDirs finds each repo's existing worktree under the
// managed root by matching the session ID embedded in the worktree
// directory name that worktree.Manager.EnsureWorktree assigns.
func resolveWorktreeDirs(wt *worktree.Manager, cfg *config.Config, sessionID string, repos []domain.WorkspaceRepo) map[string]string {
	dirs := make(map[string]string, len(repos))
	for _, repo := range repos {
		origin := filepath.Join(cfg.General.RepoCacheDir, repo.ID)
		paths, err := wt.List(origin)
		if err != nil {
			continue
		}
		for _, p := range paths {
			if strings.Contains(filepath.Base(p), sessionID) {
				dirs[repo.ID] = p
				break
			}
		}
	}
	return dirs
}

// processAlive reports whether pid is still running, used to reconcile
// executions this runner believed were in flight before a restart.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
