package brain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"seqasr/internal/audio"
	"seqasr/internal/config"
	"seqasr/internal/dataio"
	"seqasr/internal/logging"
	"seqasr/internal/loss"
	"seqasr/internal/model"
	"seqasr/internal/tokenizer"
)

func testTokenizer() tokenizer.Tokenizer {
	return tokenizer.NewVocab([]string{"<unk>", "▁the", "▁cat", "▁sat", "▁on", "▁mat", "▁a"})
}

func writeSet(t *testing.T, dir, name string, n int) string {
	t.Helper()
	words := []string{"the cat sat", "a cat", "the mat", "on a mat"}
	var entries []dataio.Entry
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s_%02d", name, i)
		sig := audio.Signal{SampleRate: 16000, Samples: make([]float64, 1600+160*i)}
		for j := range sig.Samples {
			sig.Samples[j] = 0.3 * math.Sin(float64(j)*float64(i+1)*0.05)
		}
		if err := audio.Write(filepath.Join(dir, id+".wav"), sig); err != nil {
			t.Fatalf("write wav: %v", err)
		}
		entries = append(entries, dataio.Entry{
			ID:     id,
			Length: sig.Seconds(),
			Words:  words[i%len(words)],
			Fields: map[string]string{"clean_wav": "{data_root}/" + id + ".wav"},
		})
	}
	path := filepath.Join(dir, name+".json")
	if err := dataio.WriteManifest(path, entries); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

// tinyConfig is a two-epoch run over a handful of short utterances.
func tinyConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.OutputFolder = filepath.Join(dir, "out")
	cfg.Paths.SaveFolder = filepath.Join(dir, "out", "save")
	cfg.Paths.TrainLog = filepath.Join(dir, "out", "train_log.txt")
	cfg.Paths.WERFile = filepath.Join(dir, "out", "wer.txt")
	cfg.Data.DataFolder = dir
	cfg.Data.TrainAnnotation = writeSet(t, dir, "train", 4)
	cfg.Data.ValidAnnotation = writeSet(t, dir, "valid", 2)
	cfg.Data.TestAnnotation = writeSet(t, dir, "test", 2)
	cfg.Loader.BatchSize = 2
	cfg.Loader.NumWorkers = 1
	cfg.Tokenizer.OutputNeurons = 7
	cfg.Features.NMels = 8
	cfg.Model.EncoderLayers = 1
	cfg.Model.EncoderDim = 8
	cfg.Model.EmbeddingDim = 4
	cfg.Model.AttentionDim = 4
	cfg.Model.DecoderDim = 8
	cfg.LM.EmbeddingDim = 4
	cfg.LM.HiddenDim = 4
	cfg.Training.NumberOfEpochs = 2
	cfg.Training.NumberOfCTCEpochs = 1
	cfg.Augment.EnvCorrupt = false
	cfg.Augment.SpeedPerturb = false
	cfg.Augment.DropChunk = false
	cfg.Decoding.BeamSize = 2
	cfg.Decoding.TestBeamSize = 2
	if err := os.MkdirAll(cfg.Paths.OutputFolder, 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newBrain(t *testing.T, cfg *config.Config) (*ASR, *dataio.Datasets) {
	t.Helper()
	tok := testTokenizer()
	data, err := dataio.Prepare(cfg, tok, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	a, err := New(Options{Config: cfg, Tokenizer: tok, Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a, data
}

func firstBatch(t *testing.T, ds *dataio.Dataset) *dataio.Batch {
	t.Helper()
	var items []dataio.Item
	for i := 0; i < 2; i++ {
		it, err := ds.Item(i)
		if err != nil {
			t.Fatalf("item: %v", err)
		}
		items = append(items, it)
	}
	return dataio.NewBatch(items)
}

func TestCTCActiveOnlyEarlyTraining(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Training.NumberOfCTCEpochs = 2
	a, _ := newBrain(t, cfg)
	cases := []struct {
		epoch int
		stage Stage
		want  bool
	}{
		{1, Train, true},
		{2, Train, true},
		{3, Train, false},
		{1, Valid, false},
		{1, Test, false},
	}
	for _, tc := range cases {
		a.Counter.Current = tc.epoch
		if got := a.ctcActive(tc.stage); got != tc.want {
			t.Fatalf("epoch %d %s: ctc active = %v", tc.epoch, tc.stage, got)
		}
	}
}

func TestForwardShapes(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Augment.EnvCorrupt = true
	a, data := newBrain(t, cfg)
	b := firstBatch(t, data.Train)
	a.Counter.Current = 1

	pred := a.ComputeForward(b, Train)
	if len(pred.PSeq) != 2*b.Size() || len(pred.PCTC) != 2*b.Size() {
		t.Fatalf("env corruption should double the batch: seq=%d ctc=%d", len(pred.PSeq), len(pred.PCTC))
	}
	if pred.PTokens != nil {
		t.Fatalf("training should not decode")
	}
	for i, p := range pred.PSeq {
		want := len(b.TokensBOS.Rows()[i%b.Size()]) * cfg.Tokenizer.OutputNeurons
		if p.Output().Len() != want {
			t.Fatalf("p_seq[%d] has %d values, want %d", i, p.Output().Len(), want)
		}
	}

	pred = a.ComputeForward(b, Valid)
	if len(pred.PSeq) != b.Size() || pred.PCTC != nil || len(pred.PTokens) != b.Size() {
		t.Fatalf("valid forward: seq=%d ctc=%v tokens=%d", len(pred.PSeq), pred.PCTC != nil, len(pred.PTokens))
	}
	for i, toks := range pred.PTokens {
		if len(toks) > pred.Frames[i] {
			t.Fatalf("hypothesis %d longer than max decode length", i)
		}
	}
}

func TestObjectivesBlend(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Training.CTCWeight = 0.3
	a, data := newBrain(t, cfg)
	b := firstBatch(t, data.Train)
	a.Counter.Current = 1

	pred := a.ComputeForward(b, Train)
	got := loss.Value(a.ComputeObjectives(pred, b, Train))
	nll := loss.Value(loss.NLL(pred.PSeq, b.TokensEOS.Rows(), 7))
	ctc := loss.Value(loss.CTC(pred.PCTC, b.Tokens.Rows(), 7, cfg.Tokenizer.BlankIndex))
	if want := 0.7*nll + 0.3*ctc; math.Abs(got-want) > 1e-9 {
		t.Fatalf("loss = %v, want %v", got, want)
	}

	a.Counter.Current = 2
	pred = a.ComputeForward(b, Train)
	got = loss.Value(a.ComputeObjectives(pred, b, Train))
	if want := loss.Value(loss.NLL(pred.PSeq, b.TokensEOS.Rows(), 7)); math.Abs(got-want) > 1e-9 {
		t.Fatalf("after ctc epochs loss = %v, want nll %v", got, want)
	}
}

func TestFitBatchUpdatesWeights(t *testing.T) {
	cfg := tinyConfig(t)
	a, data := newBrain(t, cfg)
	b := firstBatch(t, data.Train)
	a.Counter.Current = 1
	before := append([]float64(nil), a.Model.SeqLin.Biases.Vector.Data().([]float64)...)
	if _, err := a.FitBatch(b); err != nil {
		t.Fatalf("fit batch: %v", err)
	}
	after := a.Model.SeqLin.Biases.Vector.Data().([]float64)
	changed := false
	for i := range before {
		if before[i] != after[i] {
			changed = true
		}
	}
	if !changed {
		t.Fatalf("optimizer step left seq_lin biases unchanged")
	}
}

func TestFitBatchStopsAfterRepeatedNonFiniteLoss(t *testing.T) {
	cfg := tinyConfig(t)
	a, data := newBrain(t, cfg)
	b := firstBatch(t, data.Train)
	a.Counter.Current = cfg.Training.NumberOfCTCEpochs + 1
	biases := append([]float64(nil), a.Model.SeqLin.Biases.Vector.Data().([]float64)...)
	biases[0] = math.NaN()
	a.Model.SeqLin.Biases.Vector.SetData(biases)

	for i := 1; i <= nonfinitePatience; i++ {
		v, err := a.FitBatch(b)
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			t.Fatalf("batch %d: expected non-finite loss, got %v", i, v)
		}
		if i < nonfinitePatience && err != nil {
			t.Fatalf("batch %d: aborted early: %v", i, err)
		}
		if i == nonfinitePatience && !errors.Is(err, ErrNonFinite) {
			t.Fatalf("batch %d: expected ErrNonFinite, got %v", i, err)
		}
	}
	after := a.Model.SeqLin.Biases.Vector.Data().([]float64)
	for i := 1; i < len(after); i++ {
		if after[i] != biases[i] {
			t.Fatalf("non-finite batches must not update weights: bias %d %v -> %v", i, biases[i], after[i])
		}
	}
}

func TestFitAndEvaluate(t *testing.T) {
	cfg := tinyConfig(t)
	a, data := newBrain(t, cfg)
	ctx := context.Background()
	if err := a.Fit(ctx, data.Train, data.Valid, data.TrainShuffle); err != nil {
		t.Fatalf("fit: %v", err)
	}
	if a.Counter.Current != 2 {
		t.Fatalf("counter = %d", a.Counter.Current)
	}
	ckpts, err := a.Checkpointer().List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ckpts) == 0 || len(ckpts) > 2 {
		t.Fatalf("expected the best and the most recent checkpoint, got %d", len(ckpts))
	}
	logData, err := os.ReadFile(cfg.Paths.TrainLog)
	if err != nil {
		t.Fatalf("train log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(logData)), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "epoch: 1, lr: ") || !strings.Contains(lines[0], "valid WER: ") {
		t.Fatalf("train log lines: %q", lines)
	}

	if err := a.Evaluate(ctx, data.Test, "WER"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	report, err := os.ReadFile(cfg.Paths.WERFile)
	if err != nil {
		t.Fatalf("wer file: %v", err)
	}
	if !strings.Contains(string(report), "%WER") {
		t.Fatalf("wer report missing header:\n%s", report)
	}

	// A second fit resumes at the end and does nothing.
	b, _ := newBrain(t, cfg)
	if err := b.Fit(ctx, data.Train, data.Valid, false); err != nil {
		t.Fatalf("refit: %v", err)
	}
	if b.Counter.Current != 2 {
		t.Fatalf("resume counter = %d", b.Counter.Current)
	}
}

func TestLoadPretrainedAndLM(t *testing.T) {
	cfg := tinyConfig(t)
	src, _ := newBrain(t, cfg)
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "asr.ckpt")
	if err := model.SaveState(modelPath, src.Model); err != nil {
		t.Fatalf("save model: %v", err)
	}
	lmPath := filepath.Join(dir, "lm.ckpt")
	if err := model.SaveState(lmPath, src.LM); err != nil {
		t.Fatalf("save lm: %v", err)
	}

	cfg.Seed = 99
	cfg.Pretrained.ModelURL = modelPath
	cfg.LM.URL = "file://" + lmPath
	dst, _ := newBrain(t, cfg)
	ctx := context.Background()
	if err := dst.LoadPretrained(ctx); err != nil {
		t.Fatalf("load pretrained: %v", err)
	}
	if err := dst.LoadLM(ctx); err != nil {
		t.Fatalf("load lm: %v", err)
	}
	want := src.Model.CTCLin.Weights.Vector.Data().([]float64)
	got := dst.Model.CTCLin.Weights.Vector.Data().([]float64)
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("pretrained weights not loaded")
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.SaveFolder, "asr.ckpt")); err != nil {
		t.Fatalf("pretrained model not copied into save folder: %v", err)
	}
	if !dst.lmReady {
		t.Fatalf("lm should be enabled after loading")
	}
}

func TestLoadLMStrict(t *testing.T) {
	cfg := tinyConfig(t)
	dir := t.TempDir()
	wrong := model.NewLM(1, 9, 4, 4)
	path := filepath.Join(dir, "lm.ckpt")
	if err := model.SaveState(path, wrong); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg.LM.URL = path
	a, _ := newBrain(t, cfg)
	err := a.LoadLM(context.Background())
	if !errors.Is(err, model.ErrStrictLoad) {
		t.Fatalf("expected strict load error, got %v", err)
	}
	if a.lmReady {
		t.Fatalf("lm must stay disabled after a failed load")
	}
}

func TestStageString(t *testing.T) {
	if Train.String() != "train" || Valid.String() != "valid" || Test.String() != "test" {
		t.Fatalf("stage names: %s %s %s", Train, Valid, Test)
	}
}
