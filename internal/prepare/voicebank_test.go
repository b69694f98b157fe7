package prepare

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"seqasr/internal/audio"
	"seqasr/internal/dataio"
)

func makeCorpus(t *testing.T, root string) {
	t.Helper()
	write := func(dir, id, text string) {
		for _, d := range []string{dir, "noisy" + dir[5:]} {
			if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := audio.Write(filepath.Join(root, d, id+".wav"), audio.Signal{SampleRate: 16000, Samples: make([]float64, 8000)}); err != nil {
				t.Fatal(err)
			}
		}
		txt := TrainTextDir
		if dir == CleanTestDir {
			txt = TestTextDir
		}
		if err := os.MkdirAll(filepath.Join(root, txt), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, txt, id+".txt"), []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(CleanTrainDir, "p226_001", "Please call Stella.")
	write(CleanTrainDir, "p230_001", "Ask her to bring these things!")
	write(CleanTestDir, "p232_001", "It's fine.")
}

func TestVoicebankManifests(t *testing.T) {
	root := t.TempDir()
	makeCorpus(t, root)
	out := t.TempDir()
	opts := Options{
		DataFolder: root,
		TrainJSON:  filepath.Join(out, "train.json"),
		ValidJSON:  filepath.Join(out, "valid.json"),
		TestJSON:   filepath.Join(out, "test.json"),
	}
	if err := Voicebank(context.Background(), opts); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	train, err := dataio.LoadManifest(opts.TrainJSON, root)
	if err != nil {
		t.Fatalf("train manifest: %v", err)
	}
	if len(train) != 1 || train[0].ID != "p230_001" {
		t.Fatalf("valid speaker leaked into train: %+v", train)
	}
	if train[0].Words != "ASK HER TO BRING THESE THINGS" {
		t.Fatalf("words %q", train[0].Words)
	}
	if train[0].Length != 0.5 {
		t.Fatalf("length %v", train[0].Length)
	}
	if train[0].Fields["noisy_wav"] != filepath.ToSlash(root)+"/"+NoisyTrainDir+"/p230_001.wav" {
		t.Fatalf("noisy path %q", train[0].Fields["noisy_wav"])
	}
	valid, _ := dataio.LoadManifest(opts.ValidJSON, root)
	if len(valid) != 1 || valid[0].ID != "p226_001" {
		t.Fatalf("valid: %+v", valid)
	}
	test, _ := dataio.LoadManifest(opts.TestJSON, root)
	if len(test) != 1 || test[0].Words != "IT'S FINE" {
		t.Fatalf("test: %+v", test)
	}
}

func TestVoicebankMissingCorpus(t *testing.T) {
	out := t.TempDir()
	err := Voicebank(context.Background(), Options{
		DataFolder: t.TempDir(),
		TrainJSON:  filepath.Join(out, "train.json"),
		ValidJSON:  filepath.Join(out, "valid.json"),
		TestJSON:   filepath.Join(out, "test.json"),
	})
	if err == nil {
		t.Fatalf("expected missing corpus error")
	}
}
