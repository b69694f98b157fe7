// Package hook runs a user command after each saved checkpoint.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"seqasr/internal/config"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// Event describes a saved checkpoint.
type Event struct {
	Epoch      int
	Checkpoint string
	Metrics    map[string]float64
	Timestamp  time.Time
}

// Runner executes the configured checkpoint hook. Events are queued and run
// one at a time on a worker goroutine so training never waits on the hook.
// An event whose checkpoint directory is gone by the time it runs is skipped
// and counted as dropped.
type Runner struct {
	cfg    *config.Config
	logger *logrus.Logger

	queue   chan Event
	wg      sync.WaitGroup
	once    sync.Once
	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewRunner returns a runner, or nil when no hook command is configured.
func NewRunner(cfg *config.Config, logger *logrus.Logger) *Runner {
	if strings.TrimSpace(cfg.Checkpoint.Hook.Command) == "" {
		return nil
	}
	return &Runner{cfg: cfg, logger: logger, queue: make(chan Event, 8)}
}

// Start launches the worker. It exits when ctx is done or Close is called.
func (r *Runner) Start(ctx context.Context) {
	if r == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-r.queue:
				if !ok {
					return
				}
				if pruned(ev) {
					r.dropped.Add(1)
					r.logger.Warnf("checkpoint %s was pruned before its hook ran, skipping epoch %d", ev.Checkpoint, ev.Epoch)
					continue
				}
				if err := r.Run(ctx, ev); err != nil {
					r.failed.Add(1)
					r.logger.Errorf("checkpoint hook: %v", err)
					continue
				}
				r.sent.Add(1)
			}
		}
	}()
}

// pruned reports whether the checkpoint of ev was deleted by a later save
// that kept only the best and newest checkpoints.
func pruned(ev Event) bool {
	if ev.Checkpoint == "" {
		return false
	}
	_, err := os.Stat(ev.Checkpoint)
	return errors.Is(err, os.ErrNotExist)
}

// Enqueue schedules ev without blocking. A full queue drops the event.
func (r *Runner) Enqueue(ev Event) bool {
	if r == nil {
		return false
	}
	select {
	case r.queue <- ev:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warnf("checkpoint hook queue full, dropping epoch %d", ev.Epoch)
		return false
	}
}

// Close drains the queue and waits for the worker.
func (r *Runner) Close() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.queue) })
	r.wg.Wait()
}

// Counts reports sent, failed and dropped hook runs.
func (r *Runner) Counts() (sent, failed, dropped int64) {
	if r == nil {
		return 0, 0, 0
	}
	return r.sent.Load(), r.failed.Load(), r.dropped.Load()
}

// Run executes the hook for ev synchronously.
func (r *Runner) Run(ctx context.Context, ev Event) error {
	hk := r.cfg.Checkpoint.Hook
	name, args, err := commandLine(hk.Command, hk.Args)
	if err != nil {
		return err
	}
	for i, a := range args {
		args[i] = expand(a, ev)
	}

	runCtx := ctx
	if hk.TimeoutSec > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(float64(time.Second)*hk.TimeoutSec))
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = os.Environ()
	for k, v := range hk.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env, Env(ev)...)

	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		r.logger.Infof("hook output: %s", strings.TrimSpace(string(out)))
	}
	if err != nil {
		return fmt.Errorf("hook failed: %w", err)
	}
	return nil
}

// Env renders ev as SEQASR_* variables. Every metric becomes
// SEQASR_<UPPER NAME>.
func Env(ev Event) []string {
	env := []string{
		"SEQASR_EPOCH=" + strconv.Itoa(ev.Epoch),
		"SEQASR_CKPT=" + ev.Checkpoint,
	}
	keys := make([]string, 0, len(ev.Metrics))
	for k := range ev.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("SEQASR_%s=%s", strings.ToUpper(k), formatMetric(ev.Metrics[k])))
	}
	return env
}

// ParseArgs allows Hook.Args to be configured as a single string.
func ParseArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	return shlex.Split(raw)
}

// commandLine splits a command written as one shell-like string when no
// separate args are configured.
func commandLine(command string, args []string) (string, []string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", nil, fmt.Errorf("no checkpoint.hook.command configured")
	}
	if len(args) > 0 {
		return command, append([]string(nil), args...), nil
	}
	parts, err := ParseArgs(command)
	if err != nil {
		return "", nil, fmt.Errorf("parse hook command: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("no checkpoint.hook.command configured")
	}
	return parts[0], parts[1:], nil
}

func expand(arg string, ev Event) string {
	r := strings.NewReplacer(
		"${epoch}", strconv.Itoa(ev.Epoch),
		"${ckpt}", ev.Checkpoint,
		"${wer}", formatMetric(ev.Metrics["WER"]),
	)
	return r.Replace(arg)
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
