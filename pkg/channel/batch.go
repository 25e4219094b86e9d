package channel

import "time"

type Partitioner[T any] func(T) (string, error)

type BatchOptions[T any] struct {
	// MaxSize is the maximum number of items to batch together.
	MaxSize int

	// MaxWait is the maximum amount of time a batch waits after its first item.
	MaxWait time.Duration

	// PartitionBy returns a key to partition batches by.
	// If PartitionBy is nil, all items are batched together.
	PartitionBy Partitioner[T]
}

func (o *BatchOptions[T]) defaults() {
	if o.MaxSize == 0 {
		o.MaxSize = 100
	}

	if o.MaxWait == 0 {
		o.MaxWait = 60 * time.Second
	}
}

type flushSignal struct {
	key string
	gen int
}

type pendingBatch[T any] struct {
	items []T
	timer *time.Timer
	gen   int
}

// Batch groups items from in into batches of at most MaxSize items, flushing a
// batch once it is full or MaxWait after its first item. Remaining batches are
// flushed when in is closed. Partitioning errors are sent on the error channel and
// the item is dropped; the caller must drain both channels.
func Batch[T any](in chan T, opts BatchOptions[T]) (chan []T, chan error) {
	opts.defaults()

	out := make(chan []T)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)

		done := make(chan struct{})
		defer close(done)

		flush := make(chan flushSignal)
		batches := make(map[string]*pendingBatch[T])
		gen := 0

		emit := func(key string) {
			batch := batches[key]
			batch.timer.Stop()
			delete(batches, key)
			out <- batch.items
		}

		for {
			select {
			case item, ok := <-in:
				if !ok {
					for key := range batches {
						emit(key)
					}
					return
				}

				key := ""
				if opts.PartitionBy != nil {
					var err error
					key, err = opts.PartitionBy(item)
					if err != nil {
						errc <- err
						continue
					}
				}

				batch, ok := batches[key]
				if !ok {
					gen++
					signal := flushSignal{key: key, gen: gen}
					batch = &pendingBatch[T]{gen: gen}
					batch.timer = time.AfterFunc(opts.MaxWait, func() {
						select {
						case flush <- signal:
						case <-done:
						}
					})
					batches[key] = batch
				}

				batch.items = append(batch.items, item)
				if len(batch.items) >= opts.MaxSize {
					emit(key)
				}
			case signal := <-flush:
				if batch, ok := batches[signal.key]; ok && batch.gen == signal.gen {
					emit(signal.key)
				}
			}
		}
	}()
	return out, errc
}
