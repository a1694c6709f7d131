package hook

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueSize is the number of pending requests a Dispatcher buffers.
const DefaultQueueSize = 64

// Dispatcher delivers requests to matching hooks on a background goroutine
// so the detection loop never waits for a hook.
type Dispatcher struct {
	manager  *Manager
	executor *Executor
	logger   *zap.SugaredLogger

	queue  chan *Request
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher. queueSize <= 0 uses DefaultQueueSize.
func NewDispatcher(manager *Manager, executor *Executor, logger *zap.SugaredLogger, queueSize int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		manager:  manager,
		executor: executor,
		logger:   logger,
		queue:    make(chan *Request, queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	d.wg.Add(1)
	go d.run()
	return d
}

// Dispatch queues req. It reports false when the request was dropped
// because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Dispatch(req *Request) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}
	select {
	case d.queue <- req:
		return true
	default:
		d.logger.Warnf("Hook queue full, dropping %s event", req.Event)
		return false
	}
}

// Close waits for queued requests to be delivered, then stops.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for req := range d.queue {
		for _, h := range d.manager.List() {
			if !h.Wants(req) {
				continue
			}
			resp, err := d.executor.Execute(d.ctx, h, req)
			switch {
			case err != nil:
				d.logger.Errorf("Hook %s: %v", h.Manifest.Name, err)
			case !resp.Success:
				d.logger.Warnf("Hook %s reported failure: %s", h.Manifest.Name, resp.Error)
			default:
				d.logger.Debugf("Hook %s handled %s", h.Manifest.Name, req.Event)
			}
		}
	}
}
