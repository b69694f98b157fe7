package main

import (
	"fmt"
	"os"

	"seqasr/internal/control"
	"seqasr/internal/daemon"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	root := &cobra.Command{
		Use:   "seqasr",
		Short: "seqasr: attention seq2seq ASR training with CTC warm-up and LM-fused beam search",
		Long: `seqasr trains an encoder/attention-decoder speech recognizer on Voicebank with
a blended CTC + NLL objective, anneals the learning rate on valid WER, keeps the
best checkpoint and reports the test WER with an LM-fused beam search.

Every command takes a TOML hyperparameter file followed by key=value overrides.

Key commands:
  train|evaluate|prepare    Run a job in the foreground
  start|stop|restart        Background job lifecycle
  status [--json]           Phase, epoch, loss and stage history
  checkpoints               Saved checkpoints ranked by WER
  assets list|fetch         Tokenizer, pretrained model, normalizer, LM
  doctor                    Check hparams, data, assets and hook
  service install|uninstall|status   launchd/systemd unit for a job
  health|tail-log|test-hook Liveness, log tail, manual hook

Env overrides: SEQASR_DATA_FOLDER, SEQASR_METRICS_ADDR,
               SEQASR_LOG_LEVEL/FORMAT`,
		Example: `  seqasr train hparams/train.toml data.data_folder=/data/voicebank
  seqasr start hparams/train.toml --metrics-addr 127.0.0.1:9318
  seqasr status hparams/train.toml
  seqasr evaluate hparams/train.toml decoding.test_beam_size=16`,
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}

	root.Version = version
	root.SetVersionTemplate("seqasr v{{.Version}}\n")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(daemon.NewTrainCmd())
	root.AddCommand(daemon.NewEvaluateCmd())
	root.AddCommand(daemon.NewPrepareCmd())
	root.AddCommand(daemon.NewStartCmd())
	root.AddCommand(daemon.NewStopCmd())
	root.AddCommand(daemon.NewRestartCmd())
	root.AddCommand(daemon.NewAssetsCmd())
	root.AddCommand(control.NewStatusCmd())
	root.AddCommand(control.NewHealthCmd())
	root.AddCommand(control.NewTailLogCmd())
	root.AddCommand(control.NewCheckpointsCmd())
	root.AddCommand(control.NewTestHookCmd())
	root.AddCommand(control.NewDoctorCmd())
	root.AddCommand(control.NewServiceCmd())

	// Hidden internal serve command used by start.
	root.AddCommand(daemon.NewServeCmd())

	applyColorHelp(root)

	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func applyColorHelp(root *cobra.Command) {
	const (
		boldBlue = "\033[1;34m"
		green    = "\033[32m"
		bold     = "\033[1m"
		dim      = "\033[2m"
		reset    = "\033[0m"
	)
	defaultHelp := root.HelpFunc()
	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != root {
			defaultHelp(cmd, args)
			return
		}
		out := cmd.OutOrStdout()
		write := func(format string, args ...any) { _, _ = fmt.Fprintf(out, format, args...) }
		writeln := func(line string) { _, _ = fmt.Fprintln(out, line) }

		write("%sseqasr%s: seq2seq ASR training recipe %s(v%s)%s\n", boldBlue, reset, dim, version, reset)
		write("%sCTC + attention NLL training, NewBob annealing on WER, LM-fused beam search.%s\n\n", dim, reset)

		write("%sUsage%s\n", bold, reset)
		write("  seqasr [command] <hparams.toml> [key=value ...] [flags]\n\n")

		write("%sKey commands%s\n", bold, reset)
		writeln("  train|evaluate|prepare      run a job in the foreground")
		writeln("  start|stop|restart          background job lifecycle (--job train|evaluate|prepare)")
		writeln("  status [--json]             phase, epoch, loss, stage history")
		writeln("  checkpoints [--min-key]     saved checkpoints, best first")
		writeln("  assets list|fetch           tokenizer, pretrained model, normalizer, LM")
		writeln("  doctor                      check hparams/data/assets/hook")
		writeln("  service install|uninstall|status launchd/systemd unit, restarts resume from checkpoint")
		writeln("  health                      control-socket liveness ping")
		writeln("  tail-log [--train]          show last log lines")
		writeln("  test-hook                   invoke the checkpoint hook manually")
		writeln("")

		write("%sNotable flags & env%s\n", bold, reset)
		writeln("  --metrics-addr <addr>   enable /metrics (Prometheus)")
		writeln("  key=value               override any hyperparameter, e.g. training.lr=0.001")
		writeln("  Env: SEQASR_DATA_FOLDER=/data/voicebank, SEQASR_METRICS_ADDR=host:port,")
		writeln("       SEQASR_LOG_LEVEL=debug, SEQASR_LOG_FORMAT=json")
		writeln("")

		write("%sExamples%s\n", bold, reset)
		writeln("  seqasr prepare hparams/train.toml data.data_folder=/data/voicebank")
		writeln("  seqasr start hparams/train.toml --metrics-addr 127.0.0.1:9318")
		writeln("  seqasr status hparams/train.toml")
		writeln("  seqasr tail-log hparams/train.toml --train")
		writeln("  seqasr evaluate hparams/train.toml decoding.test_beam_size=16")
		writeln("")

		write("%sCommands%s\n", bold, reset)
		for _, c := range cmd.Commands() {
			if c.Hidden {
				continue
			}
			write("  %s%-15s%s %s\n", green, c.Name(), reset, c.Short)
		}
	})
}
