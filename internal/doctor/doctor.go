// Package doctor checks that an experiment can start: hyperparameters,
// corpus, manifests, assets, tokenizer indices and the checkpoint hook.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"seqasr/internal/assets"
	"seqasr/internal/config"
	"seqasr/internal/dataio"
	"seqasr/internal/tokenizer"
)

// Result represents a diagnostic check.
type Result struct {
	Name   string
	Pass   bool
	Detail string
}

// Run executes doctor checks.
func Run(cfg *config.Config) []Result {
	results := []Result{checkFile("hparams", cfg.Paths.HParamsPath)}
	if cfg.Data.SkipPrep {
		results = append(results, Result{Name: "data folder", Pass: true, Detail: "skip_prep set"})
	} else {
		results = append(results, checkDir("data folder", cfg.Data.DataFolder))
	}
	results = append(results,
		checkManifest("train manifest", cfg.Data.TrainAnnotation, cfg),
		checkManifest("valid manifest", cfg.Data.ValidAnnotation, cfg),
		checkManifest("test manifest", cfg.Data.TestAnnotation, cfg),
	)
	results = append(results, checkAssets(cfg)...)
	results = append(results, checkTokenizer(cfg), checkHookExecutable(cfg.Checkpoint.Hook.Command))
	return results
}

func checkFile(label, path string) Result {
	if path == "" {
		return Result{Name: label, Pass: false, Detail: "not set"}
	}
	if _, err := os.Stat(os.ExpandEnv(path)); err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	return Result{Name: label, Pass: true, Detail: path}
}

func checkDir(label, path string) Result {
	if path == "" {
		return Result{Name: label, Pass: false, Detail: "not set"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	if !info.IsDir() {
		return Result{Name: label, Pass: false, Detail: "not a directory"}
	}
	return Result{Name: label, Pass: true, Detail: path}
}

// checkManifest passes a missing manifest when preparation will write it.
func checkManifest(label, path string, cfg *config.Config) Result {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !cfg.Data.SkipPrep {
			return Result{Name: label, Pass: true, Detail: "written by prepare"}
		}
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	entries, err := dataio.LoadManifest(path, cfg.Data.DataFolder)
	if err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	if len(entries) == 0 {
		return Result{Name: label, Pass: false, Detail: "no utterances"}
	}
	if _, ok := entries[0].Fields[cfg.Data.InputType]; !ok {
		return Result{Name: label, Pass: false, Detail: fmt.Sprintf("entry %s has no %q key", entries[0].ID, cfg.Data.InputType)}
	}
	return Result{Name: label, Pass: true, Detail: fmt.Sprintf("%d utterances", len(entries))}
}

func checkAssets(cfg *config.Config) []Result {
	refs := []struct {
		label, ref string
	}{
		{"tokenizer model", cfg.Tokenizer.ModelURL},
		{"tokenizer vocab", cfg.Tokenizer.VocabURL},
		{"pretrained model", cfg.Pretrained.ModelURL},
		{"normalizer", cfg.Pretrained.NormalizerURL},
		{"lm", cfg.LM.URL},
	}
	var out []Result
	for _, r := range refs {
		if r.ref == "" {
			continue
		}
		switch {
		case assets.Present(r.ref, cfg.Paths.SaveFolder):
			out = append(out, Result{Name: r.label, Pass: true, Detail: "present in " + cfg.Paths.SaveFolder})
		case assets.IsRemote(r.ref):
			out = append(out, Result{Name: r.label, Pass: true, Detail: "will download " + r.ref})
		default:
			out = append(out, checkFile(r.label, strings.TrimPrefix(r.ref, "file://")))
		}
	}
	return out
}

// checkTokenizer loads the tokenizer when its files are local and compares
// its special ids with the configured ones.
func checkTokenizer(cfg *config.Config) Result {
	const label = "special ids"
	local := func(ref string) string {
		if ref == "" {
			return ""
		}
		if name, err := assets.FileName(ref); err == nil {
			if p := filepath.Join(cfg.Paths.SaveFolder, name); fileExists(p) {
				return p
			}
		}
		if !assets.IsRemote(ref) {
			return strings.TrimPrefix(ref, "file://")
		}
		return ""
	}
	modelPath, vocabPath := local(cfg.Tokenizer.ModelURL), local(cfg.Tokenizer.VocabURL)
	if modelPath == "" && vocabPath == "" {
		return Result{Name: label, Pass: true, Detail: "tokenizer not downloaded yet"}
	}
	tok, err := tokenizer.Open(modelPath, vocabPath)
	if err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	idx := tokenizer.Indices{
		BOS:   cfg.Tokenizer.BOSIndex,
		EOS:   cfg.Tokenizer.EOSIndex,
		Blank: cfg.Tokenizer.BlankIndex,
		Unk:   cfg.Tokenizer.UnkIndex,
	}
	if err := tokenizer.CheckSpecials(tok, idx); err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	return Result{Name: label, Pass: true, Detail: fmt.Sprintf("%d pieces", tok.VocabSize())}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func checkHookExecutable(cmd string) Result {
	label := "hook.command"
	if cmd == "" {
		return Result{Name: label, Pass: true, Detail: "disabled"}
	}
	path := os.ExpandEnv(cmd)
	if fields := strings.Fields(path); len(fields) > 0 {
		path = fields[0]
	}
	// If contains a path separator, treat as explicit path.
	if strings.Contains(path, "/") || strings.Contains(path, "\\") {
		info, err := os.Stat(path)
		if err != nil {
			return Result{Name: label, Pass: false, Detail: err.Error()}
		}
		if info.IsDir() {
			return Result{Name: label, Pass: false, Detail: "is a directory; set checkpoint.hook.command to an executable file"}
		}
		if info.Mode().Perm()&0o111 == 0 {
			return Result{Name: label, Pass: false, Detail: "not executable; chmod +x or choose another command"}
		}
		return Result{Name: label, Pass: true, Detail: path}
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Result{Name: label, Pass: false, Detail: err.Error()}
	}
	return Result{Name: label, Pass: true, Detail: resolved}
}
