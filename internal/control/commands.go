package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"seqasr/internal/checkpoint"
	"seqasr/internal/config"
	"seqasr/internal/doctor"
	"seqasr/internal/hook"
	"seqasr/internal/logging"

	"github.com/spf13/cobra"
)

const hparamsUse = " <hparams.toml> [key=value ...]"

// LoadArgs loads the hyperparameter file named by the first argument with the
// remaining key=value overrides.
func LoadArgs(args []string) (*config.Config, error) {
	if len(args) == 0 {
		return nil, errors.New("missing hyperparameter file")
	}
	return config.Load(args[0], args[1:])
}

// Query sends one request to the control socket and decodes the reply into out.
func Query(socketPath string, req Request, out any) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("cannot connect to training job: %w", err)
	}
	defer conn.Close()
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return err
	}
	return json.NewDecoder(conn).Decode(out)
}

// NewStatusCmd queries the running job.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status" + hparamsUse,
		Short: "Show training job status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadArgs(args)
			if err != nil {
				return err
			}
			var status Status
			if err := Query(cfg.Paths.SocketPath, Request{Op: "status"}, &status); err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

func printStatus(w io.Writer, st Status) {
	fmt.Fprintf(w, "running: %v\nuptime: %.1fs\nphase: %s\nepoch: %d\nbatches: %d\nlast loss: %.4f\nlr: %g\n",
		st.Running, st.UptimeSec, st.Phase, st.Epoch, st.Batches, st.LastLoss, st.LR)
	if st.BestWER >= 0 {
		fmt.Fprintf(w, "best valid WER: %.2f\n", st.BestWER)
	}
	for _, h := range st.History {
		fmt.Fprintf(w, "%s  epoch %d %-5s %s\n", h.Timestamp.Format("15:04:05"), h.Epoch, h.Stage, formatStats(h.Stats))
	}
}

func formatStats(stats map[string]float64) string {
	var parts []string
	for _, k := range []string{"loss", "CER", "WER", "lr"} {
		if v, ok := stats[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%.4g", k, v))
		}
	}
	return strings.Join(parts, " ")
}

// NewHealthCmd pings the control socket.
func NewHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health" + hparamsUse,
		Short: "Control-socket liveness ping",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadArgs(args)
			if err != nil {
				return err
			}
			var resp SimpleResponse
			if err := Query(cfg.Paths.SocketPath, Request{Op: "health"}, &resp); err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("health: %s", resp.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

// NewTailLogCmd prints the last lines of the experiment log or, with --train,
// of the per-epoch train log.
func NewTailLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail-log" + hparamsUse,
		Short: "Show last log lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadArgs(args)
			if err != nil {
				return err
			}
			n, _ := cmd.Flags().GetInt("lines")
			path := cfg.Paths.LogPath
			if train, _ := cmd.Flags().GetBool("train"); train {
				path = cfg.Paths.TrainLog
			}
			return tailFile(cmd.OutOrStdout(), path, n)
		},
	}
	cmd.Flags().IntP("lines", "n", 50, "number of lines")
	cmd.Flags().Bool("train", false, "show the per-epoch train log instead")
	return cmd
}

func tailFile(w io.Writer, path string, n int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	return nil
}

// NewCheckpointsCmd lists the saved checkpoints, best first.
func NewCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints" + hparamsUse,
		Short: "List saved checkpoints ranked by a metric",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadArgs(args)
			if err != nil {
				return err
			}
			key, _ := cmd.Flags().GetString("min-key")
			all, err := checkpoint.New(cfg.Paths.SaveFolder, nil).List()
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no checkpoints in", cfg.Paths.SaveFolder)
				return nil
			}
			for _, c := range checkpoint.Ranked(all, key) {
				fmt.Fprintf(cmd.OutOrStdout(), "epoch %-3d %s=%.2f  %s\n", c.Meta.Epoch, key, c.Metric(key), c.Path)
			}
			return nil
		},
	}
	cmd.Flags().String("min-key", "WER", "metric to rank by (lower is better)")
	return cmd
}

// NewTestHookCmd fires the checkpoint hook for the newest checkpoint, or a
// sample event when none exists.
func NewTestHookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-hook" + hparamsUse,
		Short: "Invoke the checkpoint hook manually",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadArgs(args)
			if err != nil {
				return err
			}
			logger, err := logging.Configure(cfg)
			if err != nil {
				return err
			}
			r := hook.NewRunner(cfg, logger)
			if r == nil {
				return errors.New("checkpoint.hook.command is not set")
			}
			ev, err := latestEvent(cfg.Paths.SaveFolder)
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), ev)
		},
	}
}

func latestEvent(saveDir string) (hook.Event, error) {
	all, err := checkpoint.New(saveDir, nil).List()
	if err != nil {
		return hook.Event{}, err
	}
	if len(all) == 0 {
		return hook.Event{Epoch: 0, Checkpoint: saveDir, Metrics: map[string]float64{"WER": 0}, Timestamp: time.Now()}, nil
	}
	last := all[len(all)-1]
	return hook.Event{
		Epoch:      last.Meta.Epoch,
		Checkpoint: last.Path,
		Metrics:    last.Meta.Metrics,
		Timestamp:  time.Unix(0, last.Meta.UnixNano),
	}, nil
}

// NewDoctorCmd runs environment checks.
func NewDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor" + hparamsUse,
		Short: "Check hyperparameters, data, assets and hook",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadArgs(args)
			if err != nil {
				return err
			}
			results := doctor.Run(cfg)
			failed := false
			for _, r := range results {
				status := "ok"
				if !r.Pass {
					status = "fail"
					failed = true
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-4s %s\n", r.Name, status, r.Detail)
			}
			if failed {
				return fmt.Errorf("doctor found issues")
			}
			return nil
		},
	}
}
