// Package checkpoint saves and recovers training state as directories of
// per-component files plus a CKPT.toml metadata file.
package checkpoint

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
)

const (
	dirPrefix = "CKPT+"
	metaFile  = "CKPT.toml"
)

// Recoverable is any state that can be written to and read from one file.
type Recoverable interface {
	Save(path string) error
	Load(path string) error
}

// Meta is stored next to the recoverables.
type Meta struct {
	Epoch      int                `toml:"epoch"`
	EndOfEpoch bool               `toml:"end_of_epoch"`
	UnixNano   int64              `toml:"unixnano"`
	Metrics    map[string]float64 `toml:"metrics"`
}

// Checkpoint is one saved directory.
type Checkpoint struct {
	Path string
	Meta Meta
}

// Metric returns the named metric or +Inf when it was not recorded.
func (c Checkpoint) Metric(key string) float64 {
	if v, ok := c.Meta.Metrics[key]; ok {
		return v
	}
	return math.Inf(1)
}

// KeepOptions selects which checkpoints survive a save.
type KeepOptions struct {
	// MinKey ranks checkpoints by the metric, lower is better.
	MinKey    string
	NumToKeep int
	// KeepRecent also keeps the newest checkpoint.
	KeepRecent bool
}

// Checkpointer owns a directory of checkpoints.
type Checkpointer struct {
	Dir    string
	logger *logrus.Logger
	names  []string
	recs   map[string]Recoverable
	now    func() time.Time
}

// New returns a checkpointer rooted at dir.
func New(dir string, logger *logrus.Logger) *Checkpointer {
	return &Checkpointer{Dir: dir, logger: logger, recs: map[string]Recoverable{}, now: time.Now}
}

// Add registers a recoverable under name; the name is also its file name.
func (c *Checkpointer) Add(name string, r Recoverable) {
	if _, ok := c.recs[name]; !ok {
		c.names = append(c.names, name)
	}
	c.recs[name] = r
}

// Save writes every recoverable into a new checkpoint directory.
func (c *Checkpointer) Save(meta Meta) (Checkpoint, error) {
	now := c.now()
	meta.UnixNano = now.UnixNano()
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return Checkpoint{}, err
	}
	base := dirPrefix + now.UTC().Format("2006-01-02+15-04-05.000000")
	path := filepath.Join(c.Dir, base)
	for i := 1; exists(path); i++ {
		path = filepath.Join(c.Dir, fmt.Sprintf("%s+%02d", base, i))
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Checkpoint{}, err
	}
	for _, name := range c.names {
		if err := c.recs[name].Save(filepath.Join(path, name+".ckpt")); err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint %s: save %s: %w", base, name, err)
		}
	}
	data, err := toml.Marshal(meta)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := os.WriteFile(filepath.Join(path, metaFile), data, 0o644); err != nil {
		return Checkpoint{}, err
	}
	if c.logger != nil {
		c.logger.WithField("epoch", meta.Epoch).Infof("saved checkpoint %s", path)
	}
	return Checkpoint{Path: path, Meta: meta}, nil
}

// SaveAndKeepOnly saves and then deletes every checkpoint outside the
// NumToKeep best by MinKey (and the newest one with KeepRecent).
func (c *Checkpointer) SaveAndKeepOnly(meta Meta, keep KeepOptions) (Checkpoint, error) {
	ckpt, err := c.Save(meta)
	if err != nil {
		return ckpt, err
	}
	all, err := c.List()
	if err != nil {
		return ckpt, err
	}
	retain := map[string]bool{}
	for _, k := range Ranked(all, keep.MinKey)[:min(max(keep.NumToKeep, 1), len(all))] {
		retain[k.Path] = true
	}
	if keep.KeepRecent {
		retain[ckpt.Path] = true
	}
	for _, k := range all {
		if retain[k.Path] {
			continue
		}
		if err := os.RemoveAll(k.Path); err != nil {
			return ckpt, err
		}
		if c.logger != nil {
			c.logger.Infof("deleted checkpoint %s", k.Path)
		}
	}
	return ckpt, nil
}

// List returns every checkpoint, oldest first.
func (c *Checkpointer) List() ([]Checkpoint, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Checkpoint
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		path := filepath.Join(c.Dir, e.Name())
		data, err := os.ReadFile(filepath.Join(path, metaFile))
		if err != nil {
			// Interrupted save; the metadata is written last.
			continue
		}
		var meta Meta
		if err := toml.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", path, err)
		}
		out = append(out, Checkpoint{Path: path, Meta: meta})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Meta.UnixNano < out[j].Meta.UnixNano })
	return out, nil
}

// Ranked orders checkpoints best first by minKey; ties go to the newer one.
func Ranked(ckpts []Checkpoint, minKey string) []Checkpoint {
	out := append([]Checkpoint(nil), ckpts...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Metric(minKey), out[j].Metric(minKey)
		if a != b {
			return a < b
		}
		return out[i].Meta.UnixNano > out[j].Meta.UnixNano
	})
	return out
}

// RecoverLatest loads the newest checkpoint. It returns nil when there is
// none.
func (c *Checkpointer) RecoverLatest() (*Checkpoint, error) {
	all, err := c.List()
	if err != nil || len(all) == 0 {
		return nil, err
	}
	latest := all[len(all)-1]
	return &latest, c.load(latest)
}

// RecoverBest loads the checkpoint with the lowest minKey metric. It returns
// nil when there is none.
func (c *Checkpointer) RecoverBest(minKey string) (*Checkpoint, error) {
	all, err := c.List()
	if err != nil || len(all) == 0 {
		return nil, err
	}
	best := Ranked(all, minKey)[0]
	return &best, c.load(best)
}

func (c *Checkpointer) load(ckpt Checkpoint) error {
	for _, name := range c.names {
		if err := c.recs[name].Load(filepath.Join(ckpt.Path, name+".ckpt")); err != nil {
			return fmt.Errorf("recover %s from %s: %w", name, ckpt.Path, err)
		}
	}
	if c.logger != nil {
		c.logger.WithField("epoch", ckpt.Meta.Epoch).Infof("loaded checkpoint %s", ckpt.Path)
	}
	return nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
