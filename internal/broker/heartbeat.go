package broker

import (
	"time"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
	"github.com/MrSnakeDoc/ally-relay/internal/logger"
)

const deletedReason = "instance deleted"

// Heartbeat applies an HTTP state push and broadcasts the result.
// It never changes the status beyond what patch asks for.
func (b *Broker) Heartbeat(id, token string, patch domain.Patch) error {
	b.seq.Lock()
	defer b.seq.Unlock()

	delta, err := b.reg.UpdateByToken(id, token, patch)
	if err != nil {
		return err
	}
	b.broadcastLocked(delta)
	return nil
}

// Delete removes an instance, closes its bound connection if any and
// broadcasts the removal.
func (b *Broker) Delete(id, token string) error {
	b.seq.Lock()
	defer b.seq.Unlock()

	removed, err := b.reg.DeleteByToken(id, token)
	if err != nil {
		return err
	}

	if removed.ConnID != "" {
		if c, ok := b.lookup(removed.ConnID); ok {
			c.evict(deletedReason)
		}
	}
	b.log.Info("instance deleted", logger.String("instance_id", id))
	b.broadcastLocked(removed.Delta)
	return nil
}

// Sweep removes unbound instances idle for longer than olderThan and
// reports how many were removed.
func (b *Broker) Sweep(olderThan time.Duration) int {
	b.seq.Lock()
	defer b.seq.Unlock()

	removed := b.reg.Sweep(olderThan)
	for _, d := range removed {
		b.broadcastLocked(d)
	}
	return len(removed)
}
