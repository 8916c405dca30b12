package admission

import (
	"sort"
	"sync"
	"time"

	"github.com/Aidin1998/riskgate/pkg/metrics"
)

// Halt is a latched kill switch for one user.
type Halt struct {
	UserID       string    `json:"user_id"`
	ViolationIDs []string  `json:"violation_ids"`
	Since        time.Time `json:"since"`
}

// Halts is the kill-switch latch. Once a user is latched every order is
// rejected until Clear. Its lock is never held together with another.
type Halts struct {
	mu    sync.RWMutex
	users map[string]Halt
	now   func() time.Time
}

// NewHalts creates an empty latch.
func NewHalts(now func() time.Time) *Halts {
	if now == nil {
		now = time.Now
	}
	return &Halts{users: make(map[string]Halt), now: now}
}

// Latch halts a user, adding violation ids to an existing halt.
func (h *Halts) Latch(userID string, violationIDs ...string) {
	h.mu.Lock()
	cur, ok := h.users[userID]
	if !ok {
		cur = Halt{UserID: userID, Since: h.now().UTC()}
	}
	seen := make(map[string]struct{}, len(cur.ViolationIDs))
	for _, id := range cur.ViolationIDs {
		seen[id] = struct{}{}
	}
	for _, id := range violationIDs {
		if _, dup := seen[id]; !dup {
			cur.ViolationIDs = append(cur.ViolationIDs, id)
			seen[id] = struct{}{}
		}
	}
	h.users[userID] = cur
	n := len(h.users)
	h.mu.Unlock()
	metrics.HaltedUsers.Set(float64(n))
}

// IsHalted reports whether the user is latched.
func (h *Halts) IsHalted(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[userID]
	return ok
}

// Get returns the halt of a user.
func (h *Halts) Get(userID string) (Halt, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cur, ok := h.users[userID]
	if !ok {
		return Halt{}, false
	}
	cur.ViolationIDs = append([]string(nil), cur.ViolationIDs...)
	return cur, true
}

// Clear releases a user. It reports whether the user was halted.
func (h *Halts) Clear(userID string) bool {
	h.mu.Lock()
	_, ok := h.users[userID]
	delete(h.users, userID)
	n := len(h.users)
	h.mu.Unlock()
	metrics.HaltedUsers.Set(float64(n))
	return ok
}

// List returns all halts ordered by user.
func (h *Halts) List() []Halt {
	h.mu.RLock()
	out := make([]Halt, 0, len(h.users))
	for _, cur := range h.users {
		cur.ViolationIDs = append([]string(nil), cur.ViolationIDs...)
		out = append(out, cur)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
