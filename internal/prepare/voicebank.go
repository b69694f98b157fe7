// Package prepare writes the JSON manifests for the Voicebank corpus.
package prepare

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"seqasr/internal/audio"
	"seqasr/internal/dataio"

	"github.com/sirupsen/logrus"
)

// Corpus directory names as distributed.
const (
	CleanTrainDir = "clean_trainset_28spk_wav_16k"
	NoisyTrainDir = "noisy_trainset_28spk_wav_16k"
	TrainTextDir  = "trainset_28spk_txt"
	CleanTestDir  = "clean_testset_wav_16k"
	NoisyTestDir  = "noisy_testset_wav_16k"
	TestTextDir   = "testset_txt"
)

// DefaultValidSpeakers are held out of the training speakers.
var DefaultValidSpeakers = []string{"p226", "p287"}

// Options points at the corpus and the manifests to write.
type Options struct {
	DataFolder    string
	TrainJSON     string
	ValidJSON     string
	TestJSON      string
	ValidSpeakers []string
	Logger        *logrus.Logger
}

// Voicebank writes train, valid and test manifests. Nothing is rewritten when
// all three already exist.
func Voicebank(ctx context.Context, opts Options) error {
	if exists(opts.TrainJSON) && exists(opts.ValidJSON) && exists(opts.TestJSON) {
		if opts.Logger != nil {
			opts.Logger.Info("manifests already prepared, skipping")
		}
		return nil
	}
	for _, d := range []string{CleanTrainDir, NoisyTrainDir, TrainTextDir, CleanTestDir, NoisyTestDir, TestTextDir} {
		if !exists(filepath.Join(opts.DataFolder, d)) {
			return fmt.Errorf("voicebank: %s missing under %s", d, opts.DataFolder)
		}
	}
	validSpk := opts.ValidSpeakers
	if validSpk == nil {
		validSpk = DefaultValidSpeakers
	}
	held := map[string]bool{}
	for _, s := range validSpk {
		held[s] = true
	}

	trainAll, err := collect(ctx, opts.DataFolder, CleanTrainDir, NoisyTrainDir, TrainTextDir)
	if err != nil {
		return err
	}
	var train, valid []dataio.Entry
	for _, e := range trainAll {
		if held[speaker(e.ID)] {
			valid = append(valid, e)
		} else {
			train = append(train, e)
		}
	}
	test, err := collect(ctx, opts.DataFolder, CleanTestDir, NoisyTestDir, TestTextDir)
	if err != nil {
		return err
	}
	for _, m := range []struct {
		path    string
		entries []dataio.Entry
	}{{opts.TrainJSON, train}, {opts.ValidJSON, valid}, {opts.TestJSON, test}} {
		if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
			return err
		}
		if err := dataio.WriteManifest(m.path, m.entries); err != nil {
			return fmt.Errorf("write %s: %w", m.path, err)
		}
		if opts.Logger != nil {
			opts.Logger.WithField("utterances", len(m.entries)).Infof("wrote %s", m.path)
		}
	}
	return nil
}

func collect(ctx context.Context, root, cleanDir, noisyDir, textDir string) ([]dataio.Entry, error) {
	matches, err := filepath.Glob(filepath.Join(root, cleanDir, "*.wav"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var out []dataio.Entry
	for _, clean := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := strings.TrimSuffix(filepath.Base(clean), ".wav")
		dur, err := audio.Duration(clean)
		if err != nil {
			return nil, err
		}
		text, err := os.ReadFile(filepath.Join(root, textDir, id+".txt"))
		if err != nil {
			return nil, fmt.Errorf("transcript for %s: %w", id, err)
		}
		out = append(out, dataio.Entry{
			ID:     id,
			Length: dur,
			Words:  normalizeWords(string(text)),
			Fields: map[string]string{
				"clean_wav": filepath.ToSlash(filepath.Join("{data_root}", cleanDir, id+".wav")),
				"noisy_wav": filepath.ToSlash(filepath.Join("{data_root}", noisyDir, id+".wav")),
				"words":     normalizeWords(string(text)),
				"length":    strconv.FormatFloat(dur, 'f', -1, 64),
			},
		})
	}
	return out, nil
}

// normalizeWords uppercases and drops punctuation other than apostrophes.
func normalizeWords(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) && r != '\'' {
			return ' '
		}
		return unicode.ToUpper(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func speaker(id string) string {
	spk, _, _ := strings.Cut(id, "_")
	return spk
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
