package brain

import (
	"fmt"
	"os"
	"time"

	"seqasr/internal/checkpoint"
	"seqasr/internal/hook"
	"seqasr/internal/trainlog"

	"github.com/sirupsen/logrus"
)

// OnStageStart resets the error-rate accumulators before valid and test.
func (a *ASR) OnStageStart(stage Stage, epoch int) {
	if stage != Train {
		a.wer.Clear()
		a.cer.Clear()
	}
}

// OnStageEnd records stats. After valid it anneals the learning rate from
// WER, logs the epoch and saves a checkpoint keeping only the best by WER.
// After test it logs the loaded epoch and writes the WER report.
func (a *ASR) OnStageEnd(stage Stage, stageLoss float64, epoch int) error {
	stats := []trainlog.Field{trainlog.F("loss", stageLoss)}
	metrics := map[string]float64{"loss": stageLoss}
	if stage == Train {
		a.trainStats = stats
	} else {
		cer := a.cer.Summarize().ErrorRate
		wer := a.wer.Summarize().ErrorRate
		stats = append(stats, trainlog.F("CER", cer), trainlog.F("WER", wer))
		metrics["CER"], metrics["WER"] = cer, wer
	}

	switch stage {
	case Valid:
		oldLR, newLR := a.Annealing.Step(metrics["WER"])
		metrics["lr"] = newLR
		if newLR != oldLR {
			a.logger.WithFields(logrus.Fields{"old": oldLR, "new": newLR}).Info("learning rate annealed")
		}
		if err := a.trainLog.LogStats(
			[]trainlog.Field{trainlog.F("epoch", epoch), trainlog.F("lr", oldLR)},
			trainlog.Split{Name: "train", Stats: a.trainStats},
			trainlog.Split{Name: "valid", Stats: stats},
		); err != nil {
			return err
		}
		ckpt, err := a.ckpt.SaveAndKeepOnly(
			checkpoint.Meta{
				Epoch:      epoch,
				EndOfEpoch: true,
				Metrics:    map[string]float64{"WER": metrics["WER"], "CER": metrics["CER"]},
			},
			checkpoint.KeepOptions{
				MinKey:     "WER",
				NumToKeep:  a.cfg.Checkpoint.NumToKeep,
				KeepRecent: a.cfg.Checkpoint.KeepRecent,
			},
		)
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		a.hook.Enqueue(hook.Event{
			Epoch:      epoch,
			Checkpoint: ckpt.Path,
			Metrics:    ckpt.Meta.Metrics,
			Timestamp:  time.Unix(0, ckpt.Meta.UnixNano),
		})
	case Test:
		if err := a.trainLog.LogStats(
			[]trainlog.Field{trainlog.F("Epoch loaded", a.Counter.Current)},
			trainlog.Split{Name: "test", Stats: stats},
		); err != nil {
			return err
		}
		if err := a.writeWERFile(); err != nil {
			return err
		}
	}
	if a.observer != nil {
		a.observer.StageDone(stage, epoch, metrics)
	}
	return nil
}

func (a *ASR) writeWERFile() error {
	f, err := os.Create(a.cfg.Paths.WERFile)
	if err != nil {
		return fmt.Errorf("wer file: %w", err)
	}
	if err := a.wer.WriteStats(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("wer file: %w", err)
	}
	return f.Close()
}
