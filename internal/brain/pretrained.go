package brain

import (
	"context"
	"fmt"
	"path/filepath"

	"seqasr/internal/assets"
	"seqasr/internal/model"
)

// LMFile is the name the language model is stored under in the save folder.
const LMFile = "lm_model.ckpt"

// LoadLM downloads the language model into the save folder and loads it
// strictly. Without a configured URL, beam search runs without the LM.
func (a *ASR) LoadLM(ctx context.Context) error {
	if a.cfg.LM.URL == "" {
		a.logger.Warn("lm.url is empty, decoding without a language model")
		return nil
	}
	path := filepath.Join(a.cfg.Paths.SaveFolder, LMFile)
	if err := assets.DownloadFile(ctx, a.cfg.LM.URL, path); err != nil {
		return fmt.Errorf("download lm: %w", err)
	}
	if err := model.LoadState(path, a.LM); err != nil {
		return fmt.Errorf("load lm: %w", err)
	}
	a.lmReady = true
	a.logger.WithField("path", path).Info("language model loaded")
	return nil
}

// LoadPretrained downloads the acoustic model and normalizer statistics into
// the save folder and loads both strictly. Empty URLs are skipped.
func (a *ASR) LoadPretrained(ctx context.Context) error {
	save := a.cfg.Paths.SaveFolder
	if url := a.cfg.Pretrained.ModelURL; url != "" {
		path, err := assets.DownloadToDir(ctx, url, save)
		if err != nil {
			return fmt.Errorf("download pretrained model: %w", err)
		}
		if err := model.LoadState(path, a.Model); err != nil {
			return fmt.Errorf("load pretrained model: %w", err)
		}
		a.logger.WithField("path", path).Info("pretrained model loaded")
	} else {
		a.logger.Warn("pretrained.model_url is empty, starting from random weights")
	}
	if url := a.cfg.Pretrained.NormalizerURL; url != "" {
		path, err := assets.DownloadToDir(ctx, url, save)
		if err != nil {
			return fmt.Errorf("download normalizer: %w", err)
		}
		if err := a.Normalizer.Load(path); err != nil {
			return fmt.Errorf("load normalizer: %w", err)
		}
		a.logger.WithField("path", path).Info("normalizer statistics loaded")
	}
	return nil
}

// UseLM enables LM fusion with the current LM weights.
func (a *ASR) UseLM() { a.lmReady = true }
