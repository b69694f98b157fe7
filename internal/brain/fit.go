package brain

import (
	"context"
	"errors"
	"fmt"
	"math"

	"seqasr/internal/dataio"
	"seqasr/internal/loss"
	"seqasr/internal/tensor"

	"github.com/sirupsen/logrus"
	"github.com/unixpickle/anydiff"
)

// ErrNonFinite is returned when the loss stays non-finite for too many
// consecutive batches.
var ErrNonFinite = errors.New("loss is not finite")

const nonfinitePatience = 3

// FitBatch runs one optimizer step on b and returns the batch loss. A
// non-finite loss skips the update; the third in a row returns ErrNonFinite.
func (a *ASR) FitBatch(b *dataio.Batch) (float64, error) {
	pred := a.ComputeForward(b, Train)
	l := a.ComputeObjectives(pred, b, Train)
	value := loss.Value(l)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		a.nonfinite++
		a.logger.WithField("batch", b.IDs).Warnf("non-finite loss %v, skipping update", value)
		if a.nonfinite >= nonfinitePatience {
			return value, ErrNonFinite
		}
		return value, nil
	}
	a.nonfinite = 0

	grad := anydiff.NewGrad(a.vars...)
	l.Propagate(tensor.Vector([]float64{1}), grad)
	clipGradNorm(grad, a.cfg.Training.MaxGradNorm)
	a.opt.Transform(grad)
	grad.Scale(tensor.Num(-a.Annealing.Value))
	grad.AddToVars()
	return value, nil
}

// EvaluateBatch computes the loss and error-rate stats for b without
// updating the model.
func (a *ASR) EvaluateBatch(b *dataio.Batch, stage Stage) float64 {
	pred := a.ComputeForward(b, stage)
	return loss.Value(a.ComputeObjectives(pred, b, stage))
}

// clipGradNorm rescales grad so its global L2 norm is at most maxNorm.
func clipGradNorm(grad anydiff.Grad, maxNorm float64) float64 {
	var sq float64
	for _, v := range grad {
		sq += v.Dot(v).(float64)
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		grad.Scale(tensor.Num(maxNorm / norm))
	}
	return norm
}

func (a *ASR) loader(ds *dataio.Dataset, shuffle bool) *dataio.Loader {
	return dataio.NewLoader(ds, dataio.LoaderOptions{
		BatchSize:  a.cfg.Loader.BatchSize,
		NumWorkers: a.cfg.Loader.NumWorkers,
		Shuffle:    shuffle,
		Seed:       a.cfg.Seed,
	})
}

// runStage makes one pass over ds and hands the running-average loss to
// OnStageEnd.
func (a *ASR) runStage(ctx context.Context, stage Stage, ds *dataio.Dataset, shuffle bool, epoch int) error {
	a.OnStageStart(stage, epoch)
	log := a.logger.WithFields(logrus.Fields{"stage": stage.String(), "epoch": epoch})
	log.Infof("%s stage: %d utterances", stage, ds.Len())

	var avg float64
	n := 0
	err := a.loader(ds, shuffle).Iterate(ctx, epoch, func(b *dataio.Batch) error {
		var value float64
		if stage == Train {
			v, err := a.FitBatch(b)
			if err != nil {
				return err
			}
			value = v
		} else {
			value = a.EvaluateBatch(b, stage)
		}
		if !math.IsNaN(value) && !math.IsInf(value, 0) {
			n++
			avg += (value - avg) / float64(n)
		}
		if a.observer != nil {
			a.observer.BatchDone(stage, epoch, value)
		}
		log.WithField("loss", value).Debug("batch done")
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s stage, epoch %d: %w", stage, epoch, err)
	}
	return a.OnStageEnd(stage, avg, epoch)
}

// Fit resumes from the newest checkpoint, then trains and validates once per
// remaining epoch.
func (a *ASR) Fit(ctx context.Context, train, valid *dataio.Dataset, shuffle bool) error {
	ckpt, err := a.ckpt.RecoverLatest()
	if err != nil {
		return err
	}
	if ckpt != nil {
		a.logger.WithField("epoch", a.Counter.Current).Infof("resuming from %s", ckpt.Path)
	}
	for {
		epoch, ok := a.Counter.Next()
		if !ok {
			return nil
		}
		if err := a.runStage(ctx, Train, train, shuffle, epoch); err != nil {
			return err
		}
		if valid != nil {
			if err := a.runStage(ctx, Valid, valid, false, epoch); err != nil {
				return err
			}
		}
	}
}

// Evaluate loads the checkpoint with the lowest minKey metric, when there is
// one, and runs the test stage.
func (a *ASR) Evaluate(ctx context.Context, test *dataio.Dataset, minKey string) error {
	ckpt, err := a.ckpt.RecoverBest(minKey)
	if err != nil {
		return err
	}
	if ckpt != nil {
		a.logger.WithFields(logrus.Fields{"epoch": ckpt.Meta.Epoch, minKey: ckpt.Metric(minKey)}).
			Infof("evaluating %s", ckpt.Path)
	} else {
		a.logger.Warn("no checkpoint found, evaluating the current model")
	}
	return a.runStage(ctx, Test, test, false, a.Counter.Current)
}
