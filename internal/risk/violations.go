package risk

import (
	"sort"
	"sync"
)

// ViolationLog keeps recent violations per user, newest last. Each user
// keeps at most maxPerUser entries; unresolved kill switches are never
// evicted.
type ViolationLog struct {
	mu         sync.RWMutex
	byUser     map[string][]RiskViolation
	maxPerUser int
}

// NewViolationLog creates a log. maxPerUser <= 0 means unbounded.
func NewViolationLog(maxPerUser int) *ViolationLog {
	return &ViolationLog{byUser: make(map[string][]RiskViolation), maxPerUser: maxPerUser}
}

// Record appends violations.
func (l *ViolationLog) Record(vs ...RiskViolation) {
	if len(vs) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range vs {
		l.byUser[v.UserID] = append(l.byUser[v.UserID], v)
	}
	for _, v := range vs {
		l.evictLocked(v.UserID)
	}
}

func (l *ViolationLog) evictLocked(userID string) {
	list := l.byUser[userID]
	if l.maxPerUser <= 0 || len(list) <= l.maxPerUser {
		return
	}
	excess := len(list) - l.maxPerUser
	kept := list[:0]
	for _, v := range list {
		if excess > 0 && (v.Resolved || v.Severity != SeverityKillSwitch) {
			excess--
			continue
		}
		kept = append(kept, v)
	}
	l.byUser[userID] = kept
}

// ForUser returns all retained violations of a user.
func (l *ViolationLog) ForUser(userID string) []RiskViolation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]RiskViolation(nil), l.byUser[userID]...)
}

// Unresolved returns the open violations of a user.
func (l *ViolationLog) Unresolved(userID string) []RiskViolation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []RiskViolation
	for _, v := range l.byUser[userID] {
		if !v.Resolved {
			out = append(out, v)
		}
	}
	return out
}

// Resolve marks one violation resolved.
func (l *ViolationLog) Resolve(userID, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.byUser[userID]
	for i := range list {
		if list[i].ID == id && !list[i].Resolved {
			list[i].Resolved = true
			return true
		}
	}
	return false
}

// ResolveKillSwitches resolves every open kill-switch violation of a user and
// returns their ids.
func (l *ViolationLog) ResolveKillSwitches(userID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	list := l.byUser[userID]
	for i := range list {
		if list[i].Severity == SeverityKillSwitch && !list[i].Resolved {
			list[i].Resolved = true
			ids = append(ids, list[i].ID)
		}
	}
	return ids
}

// UnresolvedKillSwitchUsers lists users with an open kill-switch violation.
func (l *ViolationLog) UnresolvedKillSwitchUsers() []string {
	l.mu.RLock()
	var users []string
	for user, list := range l.byUser {
		for _, v := range list {
			if v.Severity == SeverityKillSwitch && !v.Resolved {
				users = append(users, user)
				break
			}
		}
	}
	l.mu.RUnlock()
	sort.Strings(users)
	return users
}
