package gotcbot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	workerStopNotifyTimeout = 5 * time.Second
	workerIdleCheckInterval = time.Minute
)

// eventHandlerFunc handles a single ChatEvent. It's called from a
// channel's worker goroutine, so events in one channel are handled
// one at a time.
type eventHandlerFunc func(ctx context.Context, e ChatEvent)

// channelWorker handles queued events for a single channel, in event
// order. It stops itself after being idle for idleTimeout.
type channelWorker struct {
	channelID string
	queue     *eventQueue

	// notify is signaled when an event is pushed
	notify chan struct{}

	// signalStop is a channel for sending a stop signal to the worker
	signalStop chan struct{}

	// stopped receives the time the worker stopped
	stopped chan time.Time

	// lastEventAt is the unix millisecond timestamp of the last event
	// handled (or the worker start)
	lastEventAt atomic.Int64

	idleTimeout              time.Duration
	idleTimeoutCheckInterval time.Duration

	handle eventHandlerFunc
	pool   *channelWorkers
	logger *slog.Logger
}

func newChannelWorker(
	pool *channelWorkers,
	channelID string,
) *channelWorker {
	cfg := pool.config
	logger := pool.logger.With("channel_id", channelID)
	checkInterval := workerIdleCheckInterval
	if cfg.IdleTimeout > 0 && cfg.IdleTimeout < checkInterval {
		checkInterval = cfg.IdleTimeout
	}
	return &channelWorker{
		channelID:                channelID,
		queue:                    newEventQueue(cfg.QueueSize, cfg.QueueMaxAge, logger),
		notify:                   make(chan struct{}, 1),
		signalStop:               make(chan struct{}, 1),
		stopped:                  make(chan time.Time, 1),
		idleTimeout:              cfg.IdleTimeout,
		idleTimeoutCheckInterval: checkInterval,
		handle:                   pool.handle,
		pool:                     pool,
		logger:                   logger,
	}
}

// idle reports whether the worker hasn't handled anything for idleTimeout
func (w *channelWorker) idle() bool {
	if w.idleTimeout <= 0 {
		return false
	}
	last := time.UnixMilli(w.lastEventAt.Load())
	return time.Since(last) > w.idleTimeout
}

// Run handles events until ctx is canceled, a stop signal is received,
// or the worker has been idle for idleTimeout with nothing queued.
func (w *channelWorker) Run(ctx context.Context, startCh chan<- struct{}) {
	log := w.logger
	ctx = WithLogger(ctx, log)

	defer func() {
		stopCtx, stopCancel := context.WithTimeout(
			context.Background(),
			workerStopNotifyTimeout,
		)
		defer stopCancel()
		select {
		case w.stopped <- time.Now():
		case <-stopCtx.Done():
			log.Warn("timed out sending stop notification")
		}
	}()

	startedAt := time.Now()
	log.DebugContext(ctx, "starting channel worker")
	ticker := time.NewTicker(w.idleTimeoutCheckInterval)
	defer func() {
		ticker.Stop()
		log.DebugContext(
			ctx,
			"stopped channel worker",
			"runtime", time.Since(startedAt),
		)
	}()

	w.lastEventAt.Store(time.Now().UnixMilli())
	startCh <- struct{}{}
	close(startCh)

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			log.DebugContext(ctx, "context canceled")
			return
		case <-w.signalStop:
			log.InfoContext(ctx, "got stop signal")
			return
		case <-w.notify:
			//
		case <-ticker.C:
			if w.idle() && w.pool.retire(w) {
				log.DebugContext(
					ctx,
					"channel worker idle, stopping",
					"idle_timeout", w.idleTimeout,
				)
				return
			}
		}
	}
}

// drain handles queued events until the queue is empty
func (w *channelWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		e, ok := w.queue.Pop(ctx)
		if !ok {
			return
		}
		w.runHandler(ctx, e)
		w.lastEventAt.Store(time.Now().UnixMilli())
	}
}

func (w *channelWorker) runHandler(ctx context.Context, e ChatEvent) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, w.logger, rc)
		}
	}()
	w.handle(ctx, e)
}

// channelWorkers starts a channelWorker per channel on demand, and
// removes workers once they've gone idle
type channelWorkers struct {
	// ctx is the lifetime of the workers, independent of the events
	// that start them
	ctx    context.Context
	config *WorkerConfig
	handle eventHandlerFunc
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*channelWorker
	wg      sync.WaitGroup
}

func newChannelWorkers(
	ctx context.Context,
	config *WorkerConfig,
	handle eventHandlerFunc,
	logger *slog.Logger,
) *channelWorkers {
	if logger == nil {
		logger = slog.Default()
	}
	return &channelWorkers{
		ctx:     ctx,
		config:  config,
		handle:  handle,
		logger:  logger.With(loggerNameKey, "channel_worker"),
		workers: map[string]*channelWorker{},
	}
}

// Enqueue queues e on its channel's worker, starting the worker if needed
func (p *channelWorkers) Enqueue(ctx context.Context, e ChatEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[e.ChannelID]
	if !ok {
		w = newChannelWorker(p, e.ChannelID)
		p.workers[e.ChannelID] = w
		startCh := make(chan struct{}, 1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(p.ctx, startCh)
		}()
		<-startCh
	}

	dropped, err := w.queue.Push(ctx, e)
	if err != nil {
		return err
	}
	if dropped != nil {
		w.logger.WarnContext(
			ctx,
			"dropped queued event",
			"event_id", dropped.ID,
		)
	}
	select {
	case w.notify <- struct{}{}:
	default:
	}
	return nil
}

// retire removes w if nothing is queued on it, returning whether it did.
// Holding the pool lock keeps Enqueue from pushing to a retired worker.
func (p *channelWorkers) retire(w *channelWorker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.queue.Len() > 0 {
		return false
	}
	if current, ok := p.workers[w.channelID]; ok && current == w {
		delete(p.workers, w.channelID)
	}
	return true
}

// Len returns the number of running workers
func (p *channelWorkers) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Queued returns the number of events queued across all workers
func (p *channelWorkers) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, w := range p.workers {
		total += w.queue.Len()
	}
	return total
}

// Stop signals every worker to stop, and waits for them until ctx is done
func (p *channelWorkers) Stop(ctx context.Context) error {
	p.mu.Lock()
	for id, w := range p.workers {
		w.queue.Clear()
		select {
		case w.signalStop <- struct{}{}:
		default:
		}
		delete(p.workers, id)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("timed out waiting for channel workers"), ctx.Err())
	}
}
