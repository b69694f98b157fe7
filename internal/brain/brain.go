// Package brain drives training and evaluation of the sequence-to-sequence
// recognizer: forward passes, objectives, optimizer steps and the
// bookkeeping done at the end of every stage.
package brain

import (
	"fmt"

	"seqasr/internal/augment"
	"seqasr/internal/checkpoint"
	"seqasr/internal/config"
	"seqasr/internal/decode"
	"seqasr/internal/errorrate"
	"seqasr/internal/features"
	"seqasr/internal/hook"
	"seqasr/internal/model"
	"seqasr/internal/schedule"
	"seqasr/internal/tokenizer"
	"seqasr/internal/trainlog"

	"github.com/sirupsen/logrus"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
)

// Stage is one of the three passes over data.
type Stage int

const (
	Train Stage = iota
	Valid
	Test
)

func (s Stage) String() string {
	switch s {
	case Train:
		return "train"
	case Valid:
		return "valid"
	case Test:
		return "test"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Observer receives progress notifications. Implementations must be safe
// for use from the training goroutine.
type Observer interface {
	BatchDone(stage Stage, epoch int, loss float64)
	StageDone(stage Stage, epoch int, stats map[string]float64)
}

// Options are the collaborators of an ASR brain.
type Options struct {
	Config    *config.Config
	Tokenizer tokenizer.Tokenizer
	Logger    *logrus.Logger
	// Hook and Observer are optional.
	Hook     *hook.Runner
	Observer Observer
}

// ASR owns the model, its training state and the stage bookkeeping.
type ASR struct {
	cfg    *config.Config
	tok    tokenizer.Tokenizer
	logger *logrus.Logger

	Model      *model.ASR
	LM         *model.LM
	Normalizer *features.Normalizer
	Counter    *schedule.EpochCounter
	Annealing  *schedule.NewBob

	fbank    *features.Fbank
	env      *augment.EnvCorrupt
	td       *augment.TimeDomain
	searcher decode.Searcher
	lmReady  bool

	vars      []*anydiff.Var
	opt       *anysgd.Adam
	nonfinite int

	ckpt     *checkpoint.Checkpointer
	trainLog *trainlog.Logger
	hook     *hook.Runner
	observer Observer

	wer, cer   *errorrate.Stats
	trainStats []trainlog.Field
}

// New builds a brain with a freshly initialised model.
func New(opts Options) (*ASR, error) {
	cfg := opts.Config
	if cfg == nil || opts.Tokenizer == nil || opts.Logger == nil {
		return nil, fmt.Errorf("brain: config, tokenizer and logger are required")
	}
	fb := features.NewFbank(features.FbankOptions{
		SampleRate:  cfg.Data.SampleRate,
		NFFT:        cfg.Features.NFFT,
		WinLengthMS: cfg.Features.WinLengthMS,
		HopLengthMS: cfg.Features.HopLengthMS,
		NMels:       cfg.Features.NMels,
		TopDB:       cfg.Features.TopDB,
		LeftFrames:  cfg.Features.LeftFrames,
		RightFrames: cfg.Features.RightFrames,
	})
	vocab := cfg.Tokenizer.OutputNeurons
	a := &ASR{
		cfg:    cfg,
		tok:    opts.Tokenizer,
		logger: opts.Logger,
		Model: model.NewASR(cfg.Seed, model.Dims{
			Features:      fb.Dim(),
			Vocab:         vocab,
			EncoderLayers: cfg.Model.EncoderLayers,
			EncoderDim:    cfg.Model.EncoderDim,
			EmbeddingDim:  cfg.Model.EmbeddingDim,
			AttentionDim:  cfg.Model.AttentionDim,
			DecoderDim:    cfg.Model.DecoderDim,
		}),
		LM:         model.NewLM(cfg.Seed+1, vocab, cfg.LM.EmbeddingDim, cfg.LM.HiddenDim),
		Normalizer: features.NewNormalizer(cfg.Normalizer.UpdateUntilEpoch),
		Counter:    schedule.NewEpochCounter(cfg.Training.NumberOfEpochs),
		Annealing: schedule.NewNewBob(cfg.Training.LR,
			cfg.Training.Annealing.ImprovementThreshold,
			cfg.Training.Annealing.AnnealFactor,
			cfg.Training.Annealing.Patient),
		fbank: fb,
		searcher: decode.Searcher{
			BOS:            cfg.Tokenizer.BOSIndex,
			EOS:            cfg.Tokenizer.EOSIndex,
			BeamSize:       cfg.Decoding.BeamSize,
			MinDecodeRatio: cfg.Decoding.MinDecodeRatio,
			MaxDecodeRatio: cfg.Decoding.MaxDecodeRatio,
			EOSThreshold:   cfg.Decoding.EOSThreshold,
			LMWeight:       cfg.Decoding.LMWeight,
		},
		opt:      &anysgd.Adam{},
		ckpt:     checkpoint.New(cfg.Paths.SaveFolder, opts.Logger),
		trainLog: trainlog.New(cfg.Paths.TrainLog, opts.Logger),
		hook:     opts.Hook,
		observer: opts.Observer,
		wer:      errorrate.New(false),
		cer:      errorrate.New(true),
	}
	a.vars = model.Vars(a.Model)

	aug := cfg.Augment
	if aug.EnvCorrupt {
		a.env = augment.NewEnvCorrupt(cfg.Seed, aug.NoiseSNRLow, aug.NoiseSNRHigh, aug.BabbleProb, aug.BabbleSpeakers)
	}
	if aug.SpeedPerturb || aug.DropChunk {
		var speeds []int
		if aug.SpeedPerturb {
			speeds = aug.Speeds
		}
		count, lo, hi := 0, 0.0, 0.0
		if aug.DropChunk {
			count = aug.DropChunkCount
			if len(aug.DropChunkMS) == 2 {
				lo, hi = aug.DropChunkMS[0], aug.DropChunkMS[1]
			}
		}
		a.td = augment.NewTimeDomain(cfg.Seed+2, cfg.Data.SampleRate, speeds, count, lo, hi)
	}

	a.ckpt.Add("model", model.StateFile{M: a.Model})
	a.ckpt.Add("normalizer", a.Normalizer)
	a.ckpt.Add("counter", a.Counter)
	a.ckpt.Add("lr_annealing", a.Annealing)
	return a, nil
}

// Checkpointer exposes the checkpoint directory manager.
func (a *ASR) Checkpointer() *checkpoint.Checkpointer { return a.ckpt }

// LR is the current learning rate.
func (a *ASR) LR() float64 { return a.Annealing.Value }

// ctcActive reports whether the CTC head is trained in this stage.
func (a *ASR) ctcActive(stage Stage) bool {
	return stage == Train && a.Counter.Current <= a.cfg.Training.NumberOfCTCEpochs
}
