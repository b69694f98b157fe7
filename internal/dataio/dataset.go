package dataio

import (
	"errors"
	"fmt"
	"sort"

	"seqasr/internal/audio"
	"seqasr/internal/config"
	"seqasr/internal/tokenizer"

	"github.com/sirupsen/logrus"
)

// ErrSortMode rejects a training sort order other than ascending,
// descending or random.
var ErrSortMode = errors.New("sorting must be random, ascending or descending")

// Item is an utterance after the audio and text pipelines ran.
type Item struct {
	ID     string
	Length float64
	Signal []float64
	Words  string
	tokenizer.Encoded
}

// Pipelines turns manifest entries into items.
type Pipelines struct {
	// AudioKey names the manifest field holding the wav path.
	AudioKey   string
	SampleRate int
	Tok        tokenizer.Tokenizer
	BOS, EOS   int
}

// Load runs both pipelines over e.
func (p Pipelines) Load(e Entry) (Item, error) {
	path, ok := e.Fields[p.AudioKey]
	if !ok {
		return Item{}, fmt.Errorf("utterance %s has no %q field", e.ID, p.AudioKey)
	}
	sig, err := audio.Read(path)
	if err != nil {
		return Item{}, fmt.Errorf("utterance %s: %w", e.ID, err)
	}
	sig = audio.Conform(sig, p.SampleRate)
	return Item{
		ID:      e.ID,
		Length:  e.Length,
		Signal:  sig.Samples,
		Words:   e.Words,
		Encoded: tokenizer.EncodeTargets(p.Tok, e.Words, p.BOS, p.EOS),
	}, nil
}

// Dataset is an ordered list of manifest entries with attached pipelines.
type Dataset struct {
	Name    string
	entries []Entry
	pipes   Pipelines
}

// NewDataset wraps entries.
func NewDataset(name string, entries []Entry, pipes Pipelines) *Dataset {
	return &Dataset{Name: name, entries: entries, pipes: pipes}
}

func (d *Dataset) Len() int { return len(d.entries) }

// Entries exposes the current order.
func (d *Dataset) Entries() []Entry { return d.entries }

// Item loads the i-th utterance.
func (d *Dataset) Item(i int) (Item, error) {
	return d.pipes.Load(d.entries[i])
}

// SortedByLength returns a copy ordered by duration. The sort is stable so
// equal lengths keep manifest order.
func (d *Dataset) SortedByLength(reverse bool) *Dataset {
	entries := append([]Entry(nil), d.entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		if reverse {
			return entries[i].Length > entries[j].Length
		}
		return entries[i].Length < entries[j].Length
	})
	return &Dataset{Name: d.Name, entries: entries, pipes: d.pipes}
}

// Datasets are the three splits plus whether the train loader shuffles.
type Datasets struct {
	Train, Valid, Test *Dataset
	TrainShuffle       bool
}

// Prepare validates the sort mode and special indices, then builds the
// datasets. Both checks run before any manifest is read.
func Prepare(cfg *config.Config, tok tokenizer.Tokenizer, logger *logrus.Logger) (*Datasets, error) {
	sorting := cfg.Data.Sorting
	switch sorting {
	case "ascending", "descending", "random":
	default:
		return nil, fmt.Errorf("%w (got %q)", ErrSortMode, sorting)
	}
	idx := tokenizer.Indices{
		BOS:   cfg.Tokenizer.BOSIndex,
		EOS:   cfg.Tokenizer.EOSIndex,
		Blank: cfg.Tokenizer.BlankIndex,
		Unk:   cfg.Tokenizer.UnkIndex,
	}
	if err := tokenizer.CheckSpecials(tok, idx); err != nil {
		return nil, err
	}
	if tok.VocabSize() > cfg.Tokenizer.OutputNeurons {
		return nil, fmt.Errorf("tokenizer has %d pieces but tokenizer.output_neurons is %d",
			tok.VocabSize(), cfg.Tokenizer.OutputNeurons)
	}

	pipes := Pipelines{
		AudioKey:   cfg.Data.InputType,
		SampleRate: cfg.Data.SampleRate,
		Tok:        tok,
		BOS:        cfg.Tokenizer.BOSIndex,
		EOS:        cfg.Tokenizer.EOSIndex,
	}
	load := func(name, path string) (*Dataset, error) {
		entries, err := LoadManifest(path, cfg.Data.DataFolder)
		if err != nil {
			return nil, fmt.Errorf("%s set: %w", name, err)
		}
		return NewDataset(name, entries, pipes), nil
	}

	out := &Datasets{TrainShuffle: cfg.Loader.Shuffle}
	train, err := load("train", cfg.Data.TrainAnnotation)
	if err != nil {
		return nil, err
	}
	switch sorting {
	case "ascending":
		train = train.SortedByLength(false)
		out.TrainShuffle = false
	case "descending":
		train = train.SortedByLength(true)
		out.TrainShuffle = false
	}
	out.Train = train

	valid, err := load("valid", cfg.Data.ValidAnnotation)
	if err != nil {
		return nil, err
	}
	out.Valid = valid.SortedByLength(false)
	test, err := load("test", cfg.Data.TestAnnotation)
	if err != nil {
		return nil, err
	}
	out.Test = test.SortedByLength(false)

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"train":   out.Train.Len(),
			"valid":   out.Valid.Len(),
			"test":    out.Test.Len(),
			"sorting": sorting,
			"shuffle": out.TrainShuffle,
		}).Info("datasets ready")
	}
	return out, nil
}
