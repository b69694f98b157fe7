// Package daemon holds the commands that run jobs: foreground train,
// evaluate and prepare, and the detached start/stop/restart lifecycle.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"seqasr/internal/config"
	"seqasr/internal/control"
	"seqasr/internal/logging"
	"seqasr/internal/run"

	"github.com/spf13/cobra"
)

const hparamsUse = " <hparams.toml> [key=value ...]"

var jobs = map[string]run.Job{
	"train":    run.TrainJob,
	"evaluate": run.EvaluateJob,
	"prepare":  run.PrepareJob,
}

// serveJob loads the hyperparameters, configures logging and runs job under
// run.Serve.
func serveJob(cmd *cobra.Command, args []string, job run.Job) error {
	if f := cmd.Flags().Lookup("metrics-addr"); f != nil && f.Value.String() != "" {
		if err := os.Setenv("SEQASR_METRICS_ADDR", f.Value.String()); err != nil {
			return fmt.Errorf("set SEQASR_METRICS_ADDR: %w", err)
		}
	}
	cfg, err := control.LoadArgs(args)
	if err != nil {
		return err
	}
	if err := ensureNotRunning(cfg); err != nil {
		return err
	}
	logger, err := logging.Configure(cfg)
	if err != nil {
		return err
	}
	logger.WithField("hparams", cfg.Paths.HParamsPath).Infof("%s started", cmd.Name())
	return run.Serve(cfg, logger, job)
}

func newJobCmd(name, short string, job run.Job) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + hparamsUse,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveJob(cmd, args, job)
		},
	}
	cmd.Flags().String("metrics-addr", "", "enable metrics at address (e.g., 127.0.0.1:9318) for this run")
	return cmd
}

// NewTrainCmd fits the model and tests the best checkpoint in the foreground.
func NewTrainCmd() *cobra.Command {
	return newJobCmd("train", "Train, then test the checkpoint with the lowest valid WER", run.TrainJob)
}

// NewEvaluateCmd tests the best checkpoint.
func NewEvaluateCmd() *cobra.Command {
	return newJobCmd("evaluate", "Test the checkpoint with the lowest valid WER", run.EvaluateJob)
}

// NewPrepareCmd writes the data manifests.
func NewPrepareCmd() *cobra.Command {
	return newJobCmd("prepare", "Write the train/valid/test manifests", run.PrepareJob)
}

// NewServeCmd runs a job in the foreground (internal).
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "serve <job>" + hparamsUse,
		Short:  "Run a job for start (internal)",
		Hidden: true,
		Args:   cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, ok := jobs[args[0]]
			if !ok {
				return fmt.Errorf("unknown job %q (want one of %v)", args[0], jobNames())
			}
			return serveJob(cmd, args[1:], job)
		},
	}
	cmd.Flags().String("metrics-addr", "", "enable metrics at address (e.g., 127.0.0.1:9318)")
	return cmd
}

func jobNames() []string {
	names := make([]string, 0, len(jobs))
	for n := range jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewStartCmd starts a job in the background.
func NewStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start" + hparamsUse,
		Short: "Start a training job in the background",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobName, _ := cmd.Flags().GetString("job")
			if _, ok := jobs[jobName]; !ok {
				return fmt.Errorf("unknown job %q (want one of %v)", jobName, jobNames())
			}
			cfg, err := control.LoadArgs(args)
			if err != nil {
				return err
			}
			if err := ensureNotRunning(cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Paths.PidPath), 0o755); err != nil {
				return err
			}
			self, err := os.Executable()
			if err != nil {
				return err
			}
			childArgs := append([]string{"serve", jobName}, args...)
			child := exec.Command(self, childArgs...)
			child.Env = os.Environ()
			// propagate runtime flags via env overrides
			if addr := cmd.Flag("metrics-addr").Value.String(); addr != "" {
				child.Env = append(child.Env, fmt.Sprintf("SEQASR_METRICS_ADDR=%s", addr))
			}
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return err
			}
			// Wait a moment and confirm pid file appears.
			if err := waitForFile(cfg.Paths.PidPath, 2*time.Second); err != nil {
				return fmt.Errorf("%s did not start: %w", jobName, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s started (pid %d), log: %s\n", jobName, child.Process.Pid, cfg.Paths.LogPath)
			return child.Process.Release()
		},
	}
	cmd.Flags().String("job", "train", "job to run: train, evaluate or prepare")
	cmd.Flags().String("metrics-addr", "", "enable metrics at address (e.g., 127.0.0.1:9318) for this run")
	return cmd
}

// NewStopCmd stops the background job.
func NewStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop" + hparamsUse,
		Short: "Stop the background job after its current batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := control.LoadArgs(args)
			if err != nil {
				return err
			}
			if err := signalJob(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stop signal sent")
			return nil
		},
	}
}

// NewRestartCmd stops then starts. Training resumes from the latest
// checkpoint.
func NewRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart" + hparamsUse,
		Short: "Restart the background job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := control.LoadArgs(args)
			if err != nil {
				return err
			}
			_ = signalJob(cfg) // ignore error if not running

			wait, _ := cmd.Flags().GetDuration("wait")
			if err := waitForShutdown(cfg, wait); err != nil {
				return err
			}

			startCmd := NewStartCmd()
			for _, name := range []string{"job", "metrics-addr"} {
				if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
					if err := startCmd.Flags().Set(name, f.Value.String()); err != nil {
						return err
					}
				}
			}
			startCmd.SetOut(cmd.OutOrStdout())
			return startCmd.RunE(startCmd, args)
		},
	}
	cmd.Flags().String("job", "train", "job to run: train, evaluate or prepare")
	cmd.Flags().String("metrics-addr", "", "enable metrics at address for this run")
	cmd.Flags().Duration("wait", 2*time.Minute, "how long to wait for the running job to finish its batch")
	return cmd
}

// NewAssetsCmd lists or downloads the configured tokenizer, pretrained model,
// normalizer and LM files.
func NewAssetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "List or fetch pretrained assets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list" + hparamsUse,
		Short: "List configured assets and whether they are present",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := control.LoadArgs(args)
			if err != nil {
				return err
			}
			refs := run.AssetRefs(cfg)
			dests := make([]string, 0, len(refs))
			for d := range refs {
				dests = append(dests, d)
			}
			sort.Strings(dests)
			for _, d := range dests {
				avail := ""
				if _, err := os.Stat(d); err == nil {
					avail = "(downloaded)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "- %s <- %s %s\n", d, refs[d], avail)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "fetch" + hparamsUse,
		Short: "Download every missing asset into the save folder",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := control.LoadArgs(args)
			if err != nil {
				return err
			}
			logger, err := logging.Configure(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return run.FetchAssets(ctx, cfg, logger)
		},
	})
	return cmd
}

func signalJob(cfg *config.Config) error {
	pid, err := readPID(cfg.Paths.PidPath)
	if err != nil {
		return fmt.Errorf("no running job: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

func ensureNotRunning(cfg *config.Config) error {
	pid, err := readPID(cfg.Paths.PidPath)
	if err != nil {
		return nil
	}
	// Check if process alive.
	proc, err := os.FindProcess(pid)
	if err == nil && pid != os.Getpid() {
		if err := proc.Signal(syscall.Signal(0)); err == nil {
			return fmt.Errorf("already running with pid %d", pid)
		}
	}
	return nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, err
	}
	return pid, nil
}

func waitForFile(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		} else if time.Now().After(deadline) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func waitForShutdown(cfg *config.Config, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pid, err := readPID(cfg.Paths.PidPath)
		if err != nil {
			return nil // pid file gone
		}
		proc, _ := os.FindProcess(pid)
		if proc != nil {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				_ = os.Remove(cfg.Paths.PidPath)
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("restart: job did not stop within %s", timeout)
}
