package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultOutputFolder = "results/seqasr/4234"
	defaultMetricsAddr  = "127.0.0.1:9318"
)

// Config holds the experiment hyperparameters loaded from TOML.
type Config struct {
	Include []string `toml:"include,omitempty"`
	Seed    int64    `toml:"seed"`

	Paths struct {
		OutputFolder string `toml:"output_folder"`
		SaveFolder   string `toml:"save_folder"`
		TrainLog     string `toml:"train_log"`
		WERFile      string `toml:"wer_file"`
		LogPath      string `toml:"log_path"`
		PidPath      string `toml:"pid_path"`
		SocketPath   string `toml:"socket_path"`
		HParamsPath  string `toml:"-"`
	} `toml:"paths"`

	Data struct {
		DataFolder      string `toml:"data_folder"`
		SkipPrep        bool   `toml:"skip_prep"`
		TrainAnnotation string `toml:"train_annotation"`
		ValidAnnotation string `toml:"valid_annotation"`
		TestAnnotation  string `toml:"test_annotation"`
		InputType       string `toml:"input_type"` // clean_wav, noisy_wav
		Sorting         string `toml:"sorting"`    // ascending, descending, random
		SampleRate      int    `toml:"sample_rate"`
	} `toml:"data"`

	Loader struct {
		BatchSize  int  `toml:"batch_size"`
		NumWorkers int  `toml:"num_workers"`
		Shuffle    bool `toml:"shuffle"`
	} `toml:"loader"`

	Tokenizer struct {
		ModelURL      string `toml:"model_url"`
		VocabURL      string `toml:"vocab_url"`
		OutputNeurons int    `toml:"output_neurons"`
		BOSIndex      int    `toml:"bos_index"`
		EOSIndex      int    `toml:"eos_index"`
		BlankIndex    int    `toml:"blank_index"`
		UnkIndex      int    `toml:"unk_index"`
	} `toml:"tokenizer"`

	Features struct {
		NMels       int     `toml:"n_mels"`
		NFFT        int     `toml:"n_fft"`
		WinLengthMS float64 `toml:"win_length_ms"`
		HopLengthMS float64 `toml:"hop_length_ms"`
		TopDB       float64 `toml:"top_db"`
		LeftFrames  int     `toml:"left_frames"`
		RightFrames int     `toml:"right_frames"`
	} `toml:"features"`

	Normalizer struct {
		UpdateUntilEpoch int `toml:"update_until_epoch"`
	} `toml:"normalizer"`

	Model struct {
		EncoderLayers int `toml:"encoder_layers"`
		EncoderDim    int `toml:"encoder_dim"`
		EmbeddingDim  int `toml:"embedding_dim"`
		AttentionDim  int `toml:"attention_dim"`
		DecoderDim    int `toml:"decoder_dim"`
	} `toml:"model"`

	Training struct {
		NumberOfEpochs    int     `toml:"number_of_epochs"`
		NumberOfCTCEpochs int     `toml:"number_of_ctc_epochs"`
		CTCWeight         float64 `toml:"ctc_weight"`
		LR                float64 `toml:"lr"`
		MaxGradNorm       float64 `toml:"max_grad_norm"`
		Annealing         struct {
			ImprovementThreshold float64 `toml:"improvement_threshold"`
			AnnealFactor         float64 `toml:"annealing_factor"`
			Patient              int     `toml:"patient"`
		} `toml:"annealing"`
	} `toml:"training"`

	Augment struct {
		EnvCorrupt     bool      `toml:"env_corrupt"`
		NoiseSNRLow    float64   `toml:"noise_snr_low"`
		NoiseSNRHigh   float64   `toml:"noise_snr_high"`
		BabbleProb     float64   `toml:"babble_prob"`
		BabbleSpeakers int       `toml:"babble_speakers"`
		SpeedPerturb   bool      `toml:"speed_perturb"`
		Speeds         []int     `toml:"speeds"`
		DropChunk      bool      `toml:"drop_chunk"`
		DropChunkCount int       `toml:"drop_chunk_count"`
		DropChunkMS    []float64 `toml:"drop_chunk_ms"` // [min, max]
	} `toml:"augment"`

	Decoding struct {
		BeamSize       int     `toml:"beam_size"`
		TestBeamSize   int     `toml:"test_beam_size"`
		MinDecodeRatio float64 `toml:"min_decode_ratio"`
		MaxDecodeRatio float64 `toml:"max_decode_ratio"`
		EOSThreshold   float64 `toml:"eos_threshold"`
		LMWeight       float64 `toml:"lm_weight"`
	} `toml:"decoding"`

	LM struct {
		URL          string `toml:"url"`
		EmbeddingDim int    `toml:"embedding_dim"`
		HiddenDim    int    `toml:"hidden_dim"`
	} `toml:"lm"`

	Pretrained struct {
		ModelURL      string `toml:"model_url"`
		NormalizerURL string `toml:"normalizer_url"`
	} `toml:"pretrained"`

	Checkpoint struct {
		NumToKeep  int  `toml:"num_to_keep"`
		KeepRecent bool `toml:"keep_recent"`
		Hook       struct {
			Command    string            `toml:"command"`
			Args       []string          `toml:"args"`
			TimeoutSec float64           `toml:"timeout_sec"`
			Env        map[string]string `toml:"env"`
		} `toml:"hook"`
	} `toml:"checkpoint"`

	Logging struct {
		Level      string `toml:"level"`  // debug, info, warn, error
		Format     string `toml:"format"` // text, json
		Stdout     bool   `toml:"stdout"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
	} `toml:"logging"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"metrics"`
}

// Default returns Config populated with defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Seed = 4234

	cfg.Paths.OutputFolder = defaultOutputFolder

	cfg.Data.InputType = "clean_wav"
	cfg.Data.Sorting = "ascending"
	cfg.Data.SampleRate = 16000

	cfg.Loader.BatchSize = 8
	cfg.Loader.NumWorkers = 2
	cfg.Loader.Shuffle = true

	cfg.Tokenizer.OutputNeurons = 1000

	cfg.Features.NMels = 40
	cfg.Features.NFFT = 400
	cfg.Features.WinLengthMS = 25
	cfg.Features.HopLengthMS = 10
	cfg.Features.TopDB = 80

	cfg.Normalizer.UpdateUntilEpoch = 4

	cfg.Model.EncoderLayers = 2
	cfg.Model.EncoderDim = 256
	cfg.Model.EmbeddingDim = 128
	cfg.Model.AttentionDim = 256
	cfg.Model.DecoderDim = 256

	cfg.Training.NumberOfEpochs = 10
	cfg.Training.NumberOfCTCEpochs = 5
	cfg.Training.CTCWeight = 0.5
	cfg.Training.LR = 0.0003
	cfg.Training.MaxGradNorm = 5
	cfg.Training.Annealing.ImprovementThreshold = 0.0025
	cfg.Training.Annealing.AnnealFactor = 0.8
	cfg.Training.Annealing.Patient = 0

	cfg.Augment.EnvCorrupt = true
	cfg.Augment.NoiseSNRLow = 0
	cfg.Augment.NoiseSNRHigh = 15
	cfg.Augment.BabbleProb = 0.5
	cfg.Augment.BabbleSpeakers = 3
	cfg.Augment.SpeedPerturb = true
	cfg.Augment.Speeds = []int{95, 100, 105}
	cfg.Augment.DropChunk = true
	cfg.Augment.DropChunkCount = 2
	cfg.Augment.DropChunkMS = []float64{20, 100}

	cfg.Decoding.BeamSize = 8
	cfg.Decoding.TestBeamSize = 8
	cfg.Decoding.MinDecodeRatio = 0
	cfg.Decoding.MaxDecodeRatio = 1
	cfg.Decoding.EOSThreshold = 1.5
	cfg.Decoding.LMWeight = 0.5

	cfg.LM.EmbeddingDim = 128
	cfg.LM.HiddenDim = 256

	cfg.Checkpoint.NumToKeep = 1
	cfg.Checkpoint.KeepRecent = true
	cfg.Checkpoint.Hook.TimeoutSec = 30
	cfg.Checkpoint.Hook.Env = map[string]string{}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.Stdout = true
	cfg.Logging.MaxSizeMB = 20
	cfg.Logging.MaxBackups = 3

	cfg.Metrics.Enabled = false
	cfg.Metrics.Addr = defaultMetricsAddr

	return cfg
}

// Load reads the hyperparameter file at path, merges its includes, applies
// the key=value overrides and fills derived paths.
func Load(path string, overrides []string) (*Config, error) {
	if path == "" {
		return nil, errors.New("no hyperparameter file given")
	}
	doc, err := loadDocument(path, map[string]bool{})
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if err := applyOverride(doc, o); err != nil {
			return nil, err
		}
	}
	data, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode merged hparams: %w", err)
	}
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse hparams %s: %w", path, err)
	}
	cfg.Paths.HParamsPath = path
	applyEnvOverrides(cfg)
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

// Validate rejects values no run can proceed with.
func (c *Config) Validate() error {
	switch {
	case c.Loader.BatchSize <= 0:
		return fmt.Errorf("loader.batch_size must be positive, got %d", c.Loader.BatchSize)
	case c.Loader.NumWorkers < 0:
		return fmt.Errorf("loader.num_workers must not be negative, got %d", c.Loader.NumWorkers)
	case c.Training.CTCWeight < 0 || c.Training.CTCWeight > 1:
		return fmt.Errorf("training.ctc_weight must be within [0, 1], got %g", c.Training.CTCWeight)
	case c.Training.NumberOfEpochs < 0:
		return fmt.Errorf("training.number_of_epochs must not be negative")
	case c.Checkpoint.NumToKeep < 1:
		return fmt.Errorf("checkpoint.num_to_keep must be at least 1")
	case c.Decoding.BeamSize < 1 || c.Decoding.TestBeamSize < 1:
		return fmt.Errorf("decoding beam sizes must be at least 1")
	case c.Tokenizer.OutputNeurons < 2:
		return fmt.Errorf("tokenizer.output_neurons must be at least 2")
	case c.Data.InputType == "":
		return fmt.Errorf("data.input_type is required")
	case c.Data.SampleRate <= 0:
		return fmt.Errorf("data.sample_rate must be positive")
	}
	return nil
}

func (c *Config) resolvePaths() {
	out := c.Paths.OutputFolder
	if c.Paths.SaveFolder == "" {
		c.Paths.SaveFolder = filepath.Join(out, "save")
	}
	if c.Paths.TrainLog == "" {
		c.Paths.TrainLog = filepath.Join(out, "train_log.txt")
	}
	if c.Paths.WERFile == "" {
		c.Paths.WERFile = filepath.Join(out, "wer.txt")
	}
	if c.Paths.LogPath == "" {
		c.Paths.LogPath = filepath.Join(out, "log.txt")
	}
	if c.Paths.PidPath == "" {
		c.Paths.PidPath = filepath.Join(out, "seqasr.pid")
	}
	if c.Paths.SocketPath == "" {
		c.Paths.SocketPath = filepath.Join(out, "seqasr.sock")
	}
	if c.Data.TrainAnnotation == "" {
		c.Data.TrainAnnotation = filepath.Join(out, "train.json")
	}
	if c.Data.ValidAnnotation == "" {
		c.Data.ValidAnnotation = filepath.Join(out, "valid.json")
	}
	if c.Data.TestAnnotation == "" {
		c.Data.TestAnnotation = filepath.Join(out, "test.json")
	}
}

// EnsureDirs creates the experiment and save folders.
func EnsureDirs(cfg *Config) error {
	for _, p := range []string{cfg.Paths.OutputFolder, cfg.Paths.SaveFolder, filepath.Dir(cfg.Paths.LogPath)} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ResolvedPath is where the experiment keeps the hyperparameters it ran with.
func ResolvedPath(cfg *Config) string {
	return filepath.Join(cfg.Paths.OutputFolder, "hyperparams.toml")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SEQASR_DATA_FOLDER"); v != "" {
		cfg.Data.DataFolder = v
	}
	if v := os.Getenv("SEQASR_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("SEQASR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SEQASR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
}
