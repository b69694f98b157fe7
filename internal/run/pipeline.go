// Package run wires the experiment together: directory setup, data
// preparation, tokenizer and asset downloads, and the train and evaluate
// jobs, served behind a pid file, control socket and metrics endpoint.
package run

import (
	"context"
	"fmt"
	"path/filepath"

	"seqasr/internal/assets"
	"seqasr/internal/brain"
	"seqasr/internal/config"
	"seqasr/internal/dataio"
	"seqasr/internal/prepare"
	"seqasr/internal/tokenizer"

	"github.com/sirupsen/logrus"
)

// Experiment is a bootstrapped run.
type Experiment struct {
	Tok   tokenizer.Tokenizer
	Data  *dataio.Datasets
	Brain *brain.ASR
}

// CreateExperimentDir creates the output folders and stores the resolved
// hyperparameters next to them.
func CreateExperimentDir(cfg *config.Config) error {
	if err := config.EnsureDirs(cfg); err != nil {
		return fmt.Errorf("experiment dir: %w", err)
	}
	if err := config.Save(cfg, config.ResolvedPath(cfg)); err != nil {
		return fmt.Errorf("save resolved hparams: %w", err)
	}
	return nil
}

// PrepareData writes the corpus manifests unless data.skip_prep is set.
func PrepareData(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	if cfg.Data.SkipPrep {
		logger.Info("data.skip_prep set, using existing manifests")
		return nil
	}
	return prepare.Voicebank(ctx, prepare.Options{
		DataFolder: cfg.Data.DataFolder,
		TrainJSON:  cfg.Data.TrainAnnotation,
		ValidJSON:  cfg.Data.ValidAnnotation,
		TestJSON:   cfg.Data.TestAnnotation,
		Logger:     logger,
	})
}

// LoadTokenizer downloads the tokenizer files into the save folder and
// opens them.
func LoadTokenizer(ctx context.Context, cfg *config.Config) (tokenizer.Tokenizer, error) {
	var modelPath, vocabPath string
	var err error
	if ref := cfg.Tokenizer.ModelURL; ref != "" {
		if modelPath, err = assets.DownloadToDir(ctx, ref, cfg.Paths.SaveFolder); err != nil {
			return nil, fmt.Errorf("tokenizer model: %w", err)
		}
	}
	if ref := cfg.Tokenizer.VocabURL; ref != "" {
		if vocabPath, err = assets.DownloadToDir(ctx, ref, cfg.Paths.SaveFolder); err != nil {
			return nil, fmt.Errorf("tokenizer vocab: %w", err)
		}
	}
	return tokenizer.Open(modelPath, vocabPath)
}

// Setup runs every bootstrap step before training: experiment directory,
// data preparation, tokenizer, datasets and the brain.
func Setup(ctx context.Context, env *Env) (*Experiment, error) {
	cfg, logger := env.Config, env.Logger
	if err := CreateExperimentDir(cfg); err != nil {
		return nil, err
	}
	env.setPhase("prepare")
	if err := PrepareData(ctx, cfg, logger); err != nil {
		return nil, err
	}
	tok, err := LoadTokenizer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	data, err := dataio.Prepare(cfg, tok, logger)
	if err != nil {
		return nil, err
	}
	opts := brain.Options{Config: cfg, Tokenizer: tok, Logger: logger, Hook: env.Hook}
	if env.progress != nil {
		opts.Observer = env.progress
	}
	b, err := brain.New(opts)
	if err != nil {
		return nil, err
	}
	return &Experiment{Tok: tok, Data: data, Brain: b}, nil
}

// TrainJob bootstraps, loads the pretrained assets, fits and finally tests
// the checkpoint with the lowest valid WER.
func TrainJob(ctx context.Context, env *Env) error {
	exp, err := Setup(ctx, env)
	if err != nil {
		return err
	}
	if err := exp.Brain.LoadPretrained(ctx); err != nil {
		return err
	}
	if err := exp.Brain.LoadLM(ctx); err != nil {
		return err
	}
	env.setLR(exp.Brain.LR())
	if err := exp.Brain.Fit(ctx, exp.Data.Train, exp.Data.Valid, exp.Data.TrainShuffle); err != nil {
		return err
	}
	return exp.Brain.Evaluate(ctx, exp.Data.Test, "WER")
}

// EvaluateJob tests the checkpoint with the lowest valid WER.
func EvaluateJob(ctx context.Context, env *Env) error {
	exp, err := Setup(ctx, env)
	if err != nil {
		return err
	}
	if err := exp.Brain.LoadLM(ctx); err != nil {
		return err
	}
	if err := exp.Brain.Evaluate(ctx, exp.Data.Test, "WER"); err != nil {
		return err
	}
	env.Logger.WithField("wer_file", env.Config.Paths.WERFile).Info("evaluation done")
	return nil
}

// PrepareJob only writes the manifests.
func PrepareJob(ctx context.Context, env *Env) error {
	if err := CreateExperimentDir(env.Config); err != nil {
		return err
	}
	env.setPhase("prepare")
	return PrepareData(ctx, env.Config, env.Logger)
}

// AssetRefs lists every remote or local asset the configuration names, keyed
// by the local path it is stored at.
func AssetRefs(cfg *config.Config) map[string]string {
	save := cfg.Paths.SaveFolder
	out := map[string]string{}
	add := func(ref string) {
		if ref == "" {
			return
		}
		if name, err := assets.FileName(ref); err == nil {
			out[filepath.Join(save, name)] = ref
		}
	}
	add(cfg.Tokenizer.ModelURL)
	add(cfg.Tokenizer.VocabURL)
	add(cfg.Pretrained.ModelURL)
	add(cfg.Pretrained.NormalizerURL)
	if cfg.LM.URL != "" {
		out[filepath.Join(save, brain.LMFile)] = cfg.LM.URL
	}
	return out
}

// FetchAssets downloads every configured asset that is not present yet.
func FetchAssets(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	for dest, ref := range AssetRefs(cfg) {
		if err := assets.DownloadFile(ctx, ref, dest); err != nil {
			return err
		}
		logger.WithField("path", dest).Info("asset ready")
	}
	return nil
}

func (e *Env) setPhase(phase string) {
	if e.progress != nil {
		e.progress.setPhase(phase)
	}
}

func (e *Env) setLR(lr float64) {
	if e.progress != nil {
		e.progress.setLR(lr)
	}
}
