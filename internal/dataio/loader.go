package dataio

import (
	"context"
	"math/rand"
	"sync"
)

// LoaderOptions configures batching.
type LoaderOptions struct {
	BatchSize  int
	NumWorkers int
	Shuffle    bool
	Seed       int64
}

// Loader groups a dataset into batches. With workers, batches are built
// ahead of the consumer while still being delivered in order.
type Loader struct {
	ds   *Dataset
	opts LoaderOptions
}

// NewLoader returns a loader over ds.
func NewLoader(ds *Dataset, opts LoaderOptions) *Loader {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	return &Loader{ds: ds, opts: opts}
}

// NumBatches is the number of batches per pass.
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Order returns the utterance indices for one pass, grouped by batch.
func (l *Loader) Order(epoch int) [][]int {
	idx := make([]int, l.ds.Len())
	for i := range idx {
		idx[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.Seed + int64(epoch)))
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}
	var out [][]int
	for start := 0; start < len(idx); start += l.opts.BatchSize {
		end := min(start+l.opts.BatchSize, len(idx))
		out = append(out, idx[start:end])
	}
	return out
}

type loaded struct {
	batch *Batch
	err   error
}

// Iterate calls fn with every batch of the pass in order. It stops at the
// first error from loading or from fn, or when ctx is done.
func (l *Loader) Iterate(ctx context.Context, epoch int, fn func(*Batch) error) error {
	order := l.Order(epoch)
	if l.opts.NumWorkers <= 0 {
		for _, group := range order {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := l.build(group)
			if err != nil {
				return err
			}
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make([]chan loaded, len(order))
	for i := range slots {
		slots[i] = make(chan loaded, 1)
	}
	jobs := make(chan int)
	// Bound how far the workers may run ahead of fn.
	ahead := make(chan struct{}, 2*l.opts.NumWorkers)

	for w := 0; w < l.opts.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				b, err := l.build(order[i])
				slots[i] <- loaded{batch: b, err: err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range order {
			select {
			case ahead <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	for i := range order {
		var res loaded
		select {
		case res = <-slots[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
		<-ahead
		if res.err != nil {
			return res.err
		}
		if err := fn(res.batch); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) build(group []int) (*Batch, error) {
	items := make([]Item, len(group))
	for i, idx := range group {
		it, err := l.ds.Item(idx)
		if err != nil {
			return nil, err
		}
		items[i] = it
	}
	return NewBatch(items), nil
}
