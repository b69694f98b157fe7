package dataio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"seqasr/internal/audio"
	"seqasr/internal/config"
	"seqasr/internal/logging"
	"seqasr/internal/tokenizer"
)

func testTokenizer() tokenizer.Tokenizer {
	return tokenizer.NewVocab([]string{"<unk>", "▁the", "▁cat", "▁sat", "▁on", "▁mat"})
}

// writeCorpus creates n wavs with distinct lengths and a manifest listing
// them in the given order of lengths (in hundredths of a second).
func writeCorpus(t *testing.T, dir, name string, lengths []int) string {
	t.Helper()
	var entries []Entry
	for i, l := range lengths {
		id := fmt.Sprintf("%s_%02d", name, i)
		wav := filepath.Join(dir, id+".wav")
		sig := audio.Signal{SampleRate: 16000, Samples: make([]float64, l*160)}
		for j := range sig.Samples {
			sig.Samples[j] = 0.01 * float64(j%7)
		}
		if err := audio.Write(wav, sig); err != nil {
			t.Fatalf("write wav: %v", err)
		}
		entries = append(entries, Entry{
			ID:     id,
			Length: float64(l) / 100,
			Fields: map[string]string{
				"clean_wav": "{data_root}/" + id + ".wav",
				"words":     "the cat sat",
			},
		})
	}
	path := filepath.Join(dir, name+".json")
	if err := WriteManifest(path, entries); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func testConfig(t *testing.T, lengths []int) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Data.DataFolder = dir
	cfg.Data.TrainAnnotation = writeCorpus(t, dir, "train", lengths)
	cfg.Data.ValidAnnotation = writeCorpus(t, dir, "valid", []int{30, 10, 20})
	cfg.Data.TestAnnotation = writeCorpus(t, dir, "test", []int{20, 10})
	return cfg
}

func lengthsOf(d *Dataset) []float64 {
	var out []float64
	for _, e := range d.Entries() {
		out = append(out, e.Length)
	}
	return out
}

func TestManifestKeepsOrderAndRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")
	body := `{"b": {"length": 2.5, "clean_wav": "{data_root}/b.wav", "words": "the cat"},
	          "a": {"length": 1, "clean_wav": "{data_root}/a.wav", "words": "sat"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := LoadManifest(path, "/corpus")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "b" || entries[1].ID != "a" {
		t.Fatalf("order lost: %+v", entries)
	}
	if entries[0].Fields["clean_wav"] != "/corpus/b.wav" || entries[0].Length != 2.5 || entries[0].Words != "the cat" {
		t.Fatalf("fields: %+v", entries[0])
	}
}

func TestPrepareSortOrders(t *testing.T) {
	lengths := []int{40, 10, 30, 20, 50}
	cases := []struct {
		mode    string
		want    []float64
		shuffle bool
	}{
		{"ascending", []float64{0.1, 0.2, 0.3, 0.4, 0.5}, false},
		{"descending", []float64{0.5, 0.4, 0.3, 0.2, 0.1}, false},
		{"random", []float64{0.4, 0.1, 0.3, 0.2, 0.5}, true},
	}
	for _, tc := range cases {
		cfg := testConfig(t, lengths)
		cfg.Data.Sorting = tc.mode
		ds, err := Prepare(cfg, testTokenizer(), logging.NewTestLogger())
		if err != nil {
			t.Fatalf("%s: %v", tc.mode, err)
		}
		if got := lengthsOf(ds.Train); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: train order %v want %v", tc.mode, got, tc.want)
		}
		if ds.TrainShuffle != tc.shuffle {
			t.Fatalf("%s: shuffle=%v", tc.mode, ds.TrainShuffle)
		}
		if got := lengthsOf(ds.Valid); !reflect.DeepEqual(got, []float64{0.1, 0.2, 0.3}) {
			t.Fatalf("valid must be ascending: %v", got)
		}
	}
}

func TestPrepareRejectsSortModeBeforeLoading(t *testing.T) {
	cfg := config.Default()
	cfg.Data.Sorting = "by_speaker"
	cfg.Data.TrainAnnotation = filepath.Join(t.TempDir(), "missing.json")
	ds, err := Prepare(cfg, testTokenizer(), nil)
	if !errors.Is(err, ErrSortMode) {
		t.Fatalf("expected ErrSortMode, got %v", err)
	}
	if ds != nil {
		t.Fatalf("no dataset may be built")
	}
}

func TestPrepareRejectsSpecialsBeforeLoading(t *testing.T) {
	cfg := config.Default()
	cfg.Tokenizer.BlankIndex = 5
	cfg.Data.TrainAnnotation = filepath.Join(t.TempDir(), "missing.json")
	_, err := Prepare(cfg, testTokenizer(), nil)
	if !errors.Is(err, tokenizer.ErrSpecialMismatch) {
		t.Fatalf("expected special mismatch, got %v", err)
	}
}

func TestBatchPadding(t *testing.T) {
	b := NewBatch([]Item{
		{ID: "a", Signal: []float64{1, 2, 3, 4}, Encoded: tokenizer.Encoded{TokensBOS: []int{0, 1}, TokensEOS: []int{1, 0}, Tokens: []int{1}}},
		{ID: "b", Signal: []float64{5, 6}, Encoded: tokenizer.Encoded{TokensBOS: []int{0, 2, 3}, TokensEOS: []int{2, 3, 0}, Tokens: []int{2, 3}}},
	})
	if b.Sig.Lens[0] != 1 || b.Sig.Lens[1] != 0.5 {
		t.Fatalf("signal lens %v", b.Sig.Lens)
	}
	if len(b.Sig.Data[1]) != 4 || !reflect.DeepEqual(b.Sig.Unpad(1), []float64{5, 6}) {
		t.Fatalf("signal padding %v", b.Sig.Data[1])
	}
	if !reflect.DeepEqual(b.Tokens.Unpad(0), []int{1}) || !reflect.DeepEqual(b.TokensEOS.Unpad(1), []int{2, 3, 0}) {
		t.Fatalf("token unpad: %v %v", b.Tokens.Rows(), b.TokensEOS.Rows())
	}
	doubled := b.TokensBOS.Concat(b.TokensBOS)
	if len(doubled.Data) != 4 || !reflect.DeepEqual(doubled.Unpad(2), []int{0, 1}) {
		t.Fatalf("concat: %v", doubled.Rows())
	}
}

func TestLoaderPreservesOrderWithWorkers(t *testing.T) {
	cfg := testConfig(t, []int{10, 20, 30, 40, 50, 60, 70})
	cfg.Data.Sorting = "ascending"
	ds, err := Prepare(cfg, testTokenizer(), nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	l := NewLoader(ds.Train, LoaderOptions{BatchSize: 2, NumWorkers: 3})
	if l.NumBatches() != 4 {
		t.Fatalf("batches %d", l.NumBatches())
	}
	var ids []string
	err = l.Iterate(context.Background(), 1, func(b *Batch) error {
		ids = append(ids, b.IDs...)
		if got := b.Tokens.Unpad(0); !reflect.DeepEqual(got, []int{1, 2, 3}) {
			return fmt.Errorf("tokens %v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	want := []string{"train_00", "train_01", "train_02", "train_03", "train_04", "train_05", "train_06"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("order %v", ids)
	}
}

func TestLoaderStopsOnError(t *testing.T) {
	cfg := testConfig(t, []int{10, 20, 30, 40, 50})
	ds, err := Prepare(cfg, testTokenizer(), nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	l := NewLoader(ds.Train, LoaderOptions{BatchSize: 1, NumWorkers: 2})
	stop := errors.New("stop")
	calls := 0
	err = l.Iterate(context.Background(), 1, func(*Batch) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestLoaderShuffleIsSeeded(t *testing.T) {
	ds := NewDataset("x", make([]Entry, 20), Pipelines{})
	a := NewLoader(ds, LoaderOptions{BatchSize: 4, Shuffle: true, Seed: 7}).Order(1)
	b := NewLoader(ds, LoaderOptions{BatchSize: 4, Shuffle: true, Seed: 7}).Order(1)
	c := NewLoader(ds, LoaderOptions{BatchSize: 4, Shuffle: true, Seed: 7}).Order(2)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed and epoch must give the same order")
	}
	if reflect.DeepEqual(a, c) {
		t.Fatalf("epochs should reshuffle")
	}
}
