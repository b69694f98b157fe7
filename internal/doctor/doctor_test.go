package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"seqasr/internal/config"
)

func writeFile(t *testing.T, path, body string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.OutputFolder = dir
	cfg.Paths.SaveFolder = filepath.Join(dir, "save")
	cfg.Paths.HParamsPath = filepath.Join(dir, "train.toml")
	writeFile(t, cfg.Paths.HParamsPath, "seed = 1\n", 0o644)
	cfg.Data.DataFolder = filepath.Join(dir, "voicebank")
	if err := os.MkdirAll(cfg.Data.DataFolder, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg.Data.TrainAnnotation = filepath.Join(dir, "train.json")
	cfg.Data.ValidAnnotation = filepath.Join(dir, "valid.json")
	cfg.Data.TestAnnotation = filepath.Join(dir, "test.json")
	vocab := filepath.Join(dir, "tok.vocab")
	writeFile(t, vocab, "<unk>\t0\n▁the\t-1\n▁cat\t-2\n", 0o644)
	cfg.Tokenizer.VocabURL = vocab
	return cfg
}

func byName(results []Result) map[string]Result {
	out := map[string]Result{}
	for _, r := range results {
		out[r.Name] = r
	}
	return out
}

func TestRunPassesFreshExperiment(t *testing.T) {
	cfg := baseConfig(t)
	for _, r := range Run(cfg) {
		if !r.Pass {
			t.Fatalf("%s failed: %s", r.Name, r.Detail)
		}
	}
}

func TestRunReportsProblems(t *testing.T) {
	cases := []struct {
		name   string
		check  string
		mutate func(t *testing.T, cfg *config.Config)
		detail string
	}{
		{"missing data", "data folder", func(t *testing.T, cfg *config.Config) {
			cfg.Data.DataFolder = filepath.Join(cfg.Paths.OutputFolder, "nope")
		}, "no such file"},
		{"manifest without input key", "train manifest", func(t *testing.T, cfg *config.Config) {
			writeFile(t, cfg.Data.TrainAnnotation, `{"p232_001": {"length": 1.5, "noisy_wav": "a.wav", "words": "the cat"}}`, 0o644)
		}, "clean_wav"},
		{"empty manifest", "valid manifest", func(t *testing.T, cfg *config.Config) {
			writeFile(t, cfg.Data.ValidAnnotation, `{}`, 0o644)
		}, "no utterances"},
		{"special mismatch", "special ids", func(t *testing.T, cfg *config.Config) {
			cfg.Tokenizer.BOSIndex = 1
		}, "bos=1"},
		{"hook not executable", "hook.command", func(t *testing.T, cfg *config.Config) {
			p := filepath.Join(cfg.Paths.OutputFolder, "notify.sh")
			writeFile(t, p, "#!/bin/sh\n", 0o644)
			cfg.Checkpoint.Hook.Command = p
		}, "not executable"},
		{"missing local lm", "lm", func(t *testing.T, cfg *config.Config) {
			cfg.LM.URL = filepath.Join(cfg.Paths.OutputFolder, "lm.ckpt")
		}, "no such file"},
	}
	for _, tc := range cases {
		cfg := baseConfig(t)
		tc.mutate(t, cfg)
		r, ok := byName(Run(cfg))[tc.check]
		if !ok {
			t.Fatalf("%s: check %q missing", tc.name, tc.check)
		}
		if r.Pass || !strings.Contains(r.Detail, tc.detail) {
			t.Fatalf("%s: expected failure mentioning %q, got %+v", tc.name, tc.detail, r)
		}
	}
}

func TestRemoteAssetsAreDeferred(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Pretrained.ModelURL = "https://example.com/asr/model.ckpt"
	r := byName(Run(cfg))["pretrained model"]
	if !r.Pass || !strings.Contains(r.Detail, "will download") {
		t.Fatalf("remote asset: %+v", r)
	}
}
