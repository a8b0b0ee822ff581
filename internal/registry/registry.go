// Package registry owns every instance record. It is the only place
// instance state is mutated; all mutations run under one mutex and
// return copies so callers never hold a reference into the map.
package registry

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
)

// DefaultMessageLimit bounds an instance's message log when no limit is given.
const DefaultMessageLimit = 100

const defaultPlatform = "unknown"

// Registry maps token -> instance, with an id -> token index for the
// HTTP paths that address instances by id.
type Registry struct {
	mu       sync.Mutex
	byToken  map[string]*domain.Instance
	idToTok  map[string]string
	limit    int
	now      func() time.Time
	newToken func() (string, error)
}

// Option customizes a Registry.
type Option func(*Registry)

// WithMessageLimit sets the maximum number of entries kept per instance.
func WithMessageLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		byToken:  make(map[string]*domain.Instance),
		idToTok:  make(map[string]string),
		limit:    DefaultMessageLimit,
		now:      time.Now,
		newToken: NewToken,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates an offline instance with a fresh id and token.
func (r *Registry) Register(name, platform string) (id, token string, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("%w: name is required", domain.ErrInvalidInput)
	}
	platform = strings.TrimSpace(platform)
	if platform == "" {
		platform = defaultPlatform
	}

	token, err = r.newToken()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	id = uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 256-bit tokens and v4 ids do not collide in practice; refuse rather than overwrite.
	if _, dup := r.byToken[token]; dup {
		return "", "", errors.New("token collision")
	}
	if _, dup := r.idToTok[id]; dup {
		return "", "", errors.New("id collision")
	}

	now := r.now()
	r.byToken[token] = &domain.Instance{
		ID:        id,
		Token:     token,
		Name:      name,
		Platform:  platform,
		Status:    domain.StatusOffline,
		LastSeen:  now,
		CreatedAt: now,
		Messages:  []domain.MessageEntry{},
	}
	r.idToTok[id] = token
	return id, token, nil
}

// Get returns the public projection of one instance.
func (r *Registry) Get(id string) (domain.PublicInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byIDLocked(id)
	if !ok {
		return domain.PublicInstance{}, domain.ErrNotFound
	}
	return inst.Public(), nil
}

// List returns every instance's public projection, oldest registration first.
func (r *Registry) List() []domain.PublicInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.listLocked()
}

func (r *Registry) listLocked() []domain.PublicInstance {
	all := make([]*domain.Instance, 0, len(r.byToken))
	for _, inst := range r.byToken {
		all = append(all, inst)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	out := make([]domain.PublicInstance, 0, len(all))
	for _, inst := range all {
		out = append(out, inst.Public())
	}
	return out
}

// Messages returns a copy of an instance's message log.
func (r *Registry) Messages(id string) ([]domain.MessageEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byIDLocked(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.MessageEntry, len(inst.Messages))
	copy(out, inst.Messages)
	return out, nil
}

// UpdateByToken applies patch to the instance id when token matches.
// Identity is checked before the patch, so a wrong token is always
// ErrUnauthorized whatever the body holds.
func (r *Registry) UpdateByToken(id, token string, patch domain.Patch) (domain.Delta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.authorizeLocked(id, token)
	if err != nil {
		return domain.Delta{}, err
	}
	if err := patch.Validate(); err != nil {
		return domain.Delta{}, err
	}
	r.applyLocked(inst, patch)
	return inst.Delta(), nil
}

// PatchByToken applies patch to whichever instance owns token.
func (r *Registry) PatchByToken(token string, patch domain.Patch) (domain.Delta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byToken[token]
	if !ok || token == "" {
		return domain.Delta{}, domain.ErrUnauthorized
	}
	if err := patch.Validate(); err != nil {
		return domain.Delta{}, err
	}
	r.applyLocked(inst, patch)
	return inst.Delta(), nil
}

// Removed describes an instance deleted from the registry.
type Removed struct {
	Delta  domain.Delta
	ConnID string // bound connection at removal time, empty if none
}

// DeleteByToken removes the instance id when token matches.
func (r *Registry) DeleteByToken(id, token string) (Removed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.authorizeLocked(id, token)
	if err != nil {
		return Removed{}, err
	}
	return r.removeLocked(inst), nil
}

// Bind attaches connID to the instance owning token and marks it online.
// The previously bound connection, if any, is returned so the caller can evict it.
func (r *Registry) Bind(token, connID string) (delta domain.Delta, previous string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byToken[token]
	if !ok || token == "" {
		return domain.Delta{}, "", domain.ErrNotFound
	}

	if inst.ConnID != connID {
		previous = inst.ConnID
	}
	inst.ConnID = connID
	inst.Status = domain.StatusOnline
	inst.LastSeen = r.now()
	return inst.Delta(), previous, nil
}

// Unbind detaches connID if it is still the bound connection for token.
// It reports false when the binding was already gone or superseded, which
// makes repeated close signals and late closes of evicted connections no-ops.
func (r *Registry) Unbind(token, connID string) (domain.Delta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byToken[token]
	if !ok || connID == "" || inst.ConnID != connID {
		return domain.Delta{}, false
	}

	inst.ConnID = ""
	inst.Status = domain.StatusOffline
	inst.IsTyping = false
	inst.LastSeen = r.now()
	return inst.Delta(), true
}

// ConnFor resolves the live connection bound to token.
func (r *Registry) ConnFor(token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byToken[token]
	if !ok || token == "" {
		return "", domain.ErrNotFound
	}
	if inst.ConnID == "" {
		return "", domain.ErrInstanceOffline
	}
	return inst.ConnID, nil
}

// InstanceID returns the public id owning token (used for logging).
func (r *Registry) InstanceID(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byToken[token]
	if !ok {
		return "", false
	}
	return inst.ID, true
}

// AppendMessage adds entry to the instance log, dropping the oldest
// entries beyond the configured limit.
func (r *Registry) AppendMessage(token string, entry domain.MessageEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byToken[token]
	if !ok {
		return domain.ErrNotFound
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	inst.Messages = r.trim(append(inst.Messages, entry))
	return nil
}

// Sweep removes instances with no bound connection whose lastSeen is
// older than olderThan. Connected instances are never swept.
func (r *Registry) Sweep(olderThan time.Duration) []domain.Delta {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	var removed []domain.Delta
	for _, inst := range r.byToken {
		if inst.ConnID != "" || !inst.LastSeen.Before(cutoff) {
			continue
		}
		removed = append(removed, r.removeLocked(inst).Delta)
	}
	return removed
}

// Stats reports how many instances are registered and how many are bound.
func (r *Registry) Stats() (total, connected int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, inst := range r.byToken {
		if inst.ConnID != "" {
			connected++
		}
	}
	return len(r.byToken), connected
}

// ─────────────────────────────────────────────────────────────────
// locked helpers
// ─────────────────────────────────────────────────────────────────

func (r *Registry) byIDLocked(id string) (*domain.Instance, bool) {
	token, ok := r.idToTok[id]
	if !ok {
		return nil, false
	}
	inst, ok := r.byToken[token]
	return inst, ok
}

func (r *Registry) authorizeLocked(id, token string) (*domain.Instance, error) {
	inst, ok := r.byIDLocked(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(inst.Token), []byte(token)) != 1 {
		return nil, domain.ErrUnauthorized
	}
	return inst, nil
}

func (r *Registry) applyLocked(inst *domain.Instance, patch domain.Patch) {
	if patch.Status != nil {
		inst.Status = domain.Status(*patch.Status)
	}
	if patch.Messages != nil {
		msgs := make([]domain.MessageEntry, len(patch.Messages))
		copy(msgs, patch.Messages)
		inst.Messages = r.trim(msgs)
	}
	if patch.IsTyping != nil {
		inst.IsTyping = *patch.IsTyping
	}
	if patch.CurrentModel != nil {
		inst.CurrentModel = *patch.CurrentModel
	}
	inst.LastSeen = r.now()
}

func (r *Registry) removeLocked(inst *domain.Instance) Removed {
	delete(r.byToken, inst.Token)
	delete(r.idToTok, inst.ID)

	delta := inst.Delta()
	delta.Status = domain.StatusOffline
	delta.Removed = true
	return Removed{Delta: delta, ConnID: inst.ConnID}
}

func (r *Registry) trim(msgs []domain.MessageEntry) []domain.MessageEntry {
	if over := len(msgs) - r.limit; over > 0 {
		kept := make([]domain.MessageEntry, r.limit)
		copy(kept, msgs[over:])
		return kept
	}
	return msgs
}
