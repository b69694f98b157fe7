package run

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"seqasr/internal/config"
	"seqasr/internal/control"
	"seqasr/internal/hook"

	"github.com/sirupsen/logrus"
)

// Job is the work a server runs: training, evaluation or preparation.
type Job func(ctx context.Context, env *Env) error

// Env is what a job gets from the server around it.
type Env struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Hook     *hook.Runner
	progress *progress
}

// Server wraps a job with a pid file, a control socket, the metrics endpoint,
// the checkpoint hook worker and signal handling.
type Server struct {
	cfg      *config.Config
	logger   *logrus.Logger
	hook     *hook.Runner
	progress *progress
}

// Serve runs job until it finishes or the process is interrupted.
func Serve(cfg *config.Config, logger *logrus.Logger, job Job) error {
	if err := config.EnsureDirs(cfg); err != nil {
		return err
	}
	if err := os.WriteFile(cfg.Paths.PidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(cfg.Paths.PidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("remove pid file: %v", err)
		}
	}()
	if err := os.Remove(cfg.Paths.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debugf("remove stale socket: %v", err)
	}

	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		hook:     hook.NewRunner(cfg, logger),
		progress: newProgress(),
	}
	if srv.hook != nil {
		srv.progress.hookSent = srv.hook.Counts
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.controlLoop(ctx)
	srv.hook.Start(ctx)
	if cfg.Metrics.Enabled {
		go srv.metricsServe(ctx.Done(), cfg.Metrics.Addr)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case s := <-sigCh:
			logger.Infof("received signal %s, stopping after the current batch", s)
			cancel()
		case <-ctx.Done():
		}
	}()

	err := job(ctx, &Env{Config: cfg, Logger: logger, Hook: srv.hook, progress: srv.progress})
	srv.progress.setPhase("done")
	// Let queued checkpoint hooks finish before exiting.
	srv.hook.Close()
	if err != nil && errors.Is(err, context.Canceled) {
		logger.Info("stopped")
		return nil
	}
	return err
}

func (s *Server) controlLoop(ctx context.Context) {
	ln, err := net.Listen("unix", s.cfg.Paths.SocketPath)
	if err != nil {
		s.logger.Errorf("control listen: %v", err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer func() { _ = os.Remove(s.cfg.Paths.SocketPath) }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Errorf("control accept: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil && ctx.Err() == nil {
			s.logger.Warnf("control connection close: %v", err)
		}
	}()
	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		return
	}
	var req control.Request
	if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
		return
	}
	switch req.Op {
	case "status":
		_ = json.NewEncoder(conn).Encode(s.progress.status())
	case "health":
		_ = json.NewEncoder(conn).Encode(control.SimpleResponse{OK: true, Message: "ok"})
	default:
		_ = json.NewEncoder(conn).Encode(control.SimpleResponse{OK: false, Message: "unknown op " + req.Op})
	}
}
