package pipeline

import (
	"context"
	"hash/fnv"
	"sync"

	"agv-rtls/ingest/internal/domain"
	"agv-rtls/ingest/internal/metrics"
)

// Dispatcher fans raw readings out to a fixed set of worker shards. An
// entity always hashes to the same shard, so readings for one entity are
// processed in arrival order while different entities proceed in parallel.
// Enqueue never blocks the transport callback: a full shard sheds the
// message and counts the drop.
type Dispatcher struct {
	shards []chan *domain.RawReading
	proc   *Processor
	wg     sync.WaitGroup
}

func NewDispatcher(workers, queueSize int, proc *Processor) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	d := &Dispatcher{
		shards: make([]chan *domain.RawReading, workers),
		proc:   proc,
	}
	for i := range d.shards {
		d.shards[i] = make(chan *domain.RawReading, queueSize)
	}
	return d
}

func (d *Dispatcher) shardFor(entityID string) chan *domain.RawReading {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

// Enqueue hands a reading to its entity's shard.
func (d *Dispatcher) Enqueue(msg *domain.RawReading) {
	select {
	case d.shardFor(msg.EntityID) <- msg:
	default:
		metrics.ShardQueueDrops.Add(1)
	}
}

// Run starts one worker per shard and blocks until the context is cancelled
// and all shards have drained their in-flight work.
func (d *Dispatcher) Run(ctx context.Context) {
	for _, shard := range d.shards {
		d.wg.Add(1)
		go func(ch chan *domain.RawReading) {
			defer d.wg.Done()
			for {
				select {
				case msg := <-ch:
					d.proc.Process(ctx, msg)
				case <-ctx.Done():
					// Drain what is already queued before exiting so a
					// clean shutdown loses nothing that was accepted.
					for {
						select {
						case msg := <-ch:
							d.proc.Process(context.Background(), msg)
						default:
							return
						}
					}
				}
			}
		}(shard)
	}
	d.wg.Wait()
}
