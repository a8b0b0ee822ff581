package broker

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
	"github.com/MrSnakeDoc/ally-relay/internal/logger"
)

const (
	mirrorQueueSize = 1024
	mirrorTimeout   = 2 * time.Second
)

// Mirror receives every committed delta, in commit order.
// It is best effort: failures are logged and never reach clients.
type Mirror interface {
	Apply(ctx context.Context, d domain.Delta) error
}

type mirrorQueue struct {
	m   Mirror
	log logger.Logger

	mu     sync.Mutex
	closed bool
	ch     chan domain.Delta
	wg     sync.WaitGroup
}

func newMirrorQueue(m Mirror, log logger.Logger) *mirrorQueue {
	q := &mirrorQueue{
		m:   m,
		log: log,
		ch:  make(chan domain.Delta, mirrorQueueSize),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *mirrorQueue) run() {
	defer q.wg.Done()
	for d := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := q.m.Apply(ctx, d); err != nil {
			q.log.Warn("mirror update failed",
				logger.String("instance_id", d.ID),
				logger.Error(err))
		}
		cancel()
	}
}

func (q *mirrorQueue) push(d domain.Delta) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- d:
	default:
		q.log.Warn("mirror queue full, dropping delta", logger.String("instance_id", d.ID))
	}
}

func (q *mirrorQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *mirrorQueue) wait() { q.wg.Wait() }
