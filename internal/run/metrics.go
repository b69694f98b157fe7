package run

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"seqasr/internal/brain"
	"seqasr/internal/control"
)

const historyTail = 20

// progress follows the training job for the control socket and /metrics.
type progress struct {
	batches [3]atomic.Int64
	started time.Time

	mu       sync.Mutex
	phase    string
	epoch    int
	lastLoss float64
	lr       float64
	bestWER  float64
	history  []control.StageStats
	hookSent func() (sent, failed, dropped int64)
}

func newProgress() *progress {
	return &progress{started: time.Now(), phase: "starting", bestWER: math.Inf(1)}
}

func (p *progress) setPhase(phase string) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

func (p *progress) setLR(lr float64) {
	p.mu.Lock()
	p.lr = lr
	p.mu.Unlock()
}

func (p *progress) BatchDone(stage brain.Stage, epoch int, loss float64) {
	if int(stage) < len(p.batches) {
		p.batches[stage].Add(1)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = stage.String()
	p.epoch = epoch
	p.lastLoss = loss
}

func (p *progress) StageDone(stage brain.Stage, epoch int, stats map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if wer, ok := stats["WER"]; ok && stage == brain.Valid && wer < p.bestWER {
		p.bestWER = wer
	}
	if lr, ok := stats["lr"]; ok {
		p.lr = lr
	}
	cp := make(map[string]float64, len(stats))
	for k, v := range stats {
		cp[k] = v
	}
	p.history = append(p.history, control.StageStats{Stage: stage.String(), Epoch: epoch, Stats: cp, Timestamp: time.Now()})
	if len(p.history) > historyTail {
		p.history = p.history[len(p.history)-historyTail:]
	}
}

func (p *progress) status() control.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for i := range p.batches {
		total += p.batches[i].Load()
	}
	best := p.bestWER
	if math.IsInf(best, 1) {
		best = -1
	}
	return control.Status{
		Running:   true,
		UptimeSec: time.Since(p.started).Seconds(),
		Phase:     p.phase,
		Epoch:     p.epoch,
		Batches:   total,
		LastLoss:  p.lastLoss,
		LR:        p.lr,
		BestWER:   best,
		History:   append([]control.StageStats(nil), p.history...),
	}
}

// writeMetrics renders the Prometheus text exposition.
func (p *progress) writeMetrics(w http.ResponseWriter) {
	st := p.status()
	for _, s := range []brain.Stage{brain.Train, brain.Valid, brain.Test} {
		fmt.Fprintf(w, "seqasr_batches_total{stage=%q} %d\n", s.String(), p.batches[s].Load())
	}
	fmt.Fprintf(w, "seqasr_epoch %d\n", st.Epoch)
	fmt.Fprintf(w, "seqasr_last_loss %g\n", st.LastLoss)
	fmt.Fprintf(w, "seqasr_learning_rate %g\n", st.LR)
	if st.BestWER >= 0 {
		fmt.Fprintf(w, "seqasr_best_valid_wer %g\n", st.BestWER)
	}
	if p.hookSent != nil {
		sent, failed, dropped := p.hookSent()
		fmt.Fprintf(w, "seqasr_hooks_sent_total %d\n", sent)
		fmt.Fprintf(w, "seqasr_hooks_failed_total %d\n", failed)
		fmt.Fprintf(w, "seqasr_hooks_dropped_total %d\n", dropped)
	}
}

func (s *Server) metricsServe(ctxDone <-chan struct{}, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.progress.writeMetrics(w)
	})
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		<-ctxDone
		_ = server.Close()
	}()
	s.logger.Infof("metrics listening on http://%s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warnf("metrics server: %v", err)
	}
}
