package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cobalt-labs/relay/internal/store"
	"github.com/cobalt-labs/relay/internal/store/model"
)

// Ingestor handles the asynchronous persistence of call records. Logging a
// record never blocks the request path; under backpressure records are
// dropped, not queued unboundedly.
type Ingestor interface {
	Log(rec *model.CallRecord)
	Start(ctx context.Context)
	Stop()
}

type ingestor struct {
	logger    *zap.Logger
	repo      store.Repository
	recChan   chan *model.CallRecord
	batchSize int
	flushTime time.Duration

	// recChan is never closed; late Log calls during shutdown must not
	// panic. quit tells the worker to drain and exit.
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewIngestor(logger *zap.Logger, repo store.Repository) Ingestor {
	return &ingestor{
		logger:    logger,
		repo:      repo,
		recChan:   make(chan *model.CallRecord, 10000),
		batchSize: 50,
		flushTime: 5 * time.Second,
		quit:      make(chan struct{}),
	}
}

func (i *ingestor) Log(rec *model.CallRecord) {
	select {
	case <-i.quit:
		return
	default:
	}
	select {
	case i.recChan <- rec:
	default:
		i.logger.Warn("analytics buffer full, dropping record", zap.String("call_id", rec.ID))
	}
}

func (i *ingestor) Start(ctx context.Context) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.worker(ctx)
	}()
}

// Stop drains buffered records and blocks until the worker has flushed.
func (i *ingestor) Stop() {
	i.stopOnce.Do(func() { close(i.quit) })
	i.wg.Wait()
}

func (i *ingestor) worker(ctx context.Context) {
	batch := make([]*model.CallRecord, 0, i.batchSize)
	ticker := time.NewTicker(i.flushTime)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, rec := range batch {
			if err := i.repo.Calls().Log(context.Background(), rec); err != nil {
				i.logger.Error("failed to persist call record", zap.String("id", rec.ID), zap.Error(err))
			}
		}
		batch = batch[:0]
	}

	drain := func() {
		for {
			select {
			case rec := <-i.recChan:
				batch = append(batch, rec)
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case rec := <-i.recChan:
			batch = append(batch, rec)
			if len(batch) >= i.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-i.quit:
			drain()
			return
		case <-ctx.Done():
			flush()
			return
		}
	}
}
