// Package fanout resolves conversation membership and pushes frames to the
// online participants of a conversation.
package fanout

import (
	"sync"
)

// Fallback is a process-local copy of conversation membership. It is read
// only when the persistent store cannot answer and may be stale or
// incomplete.
type Fallback struct {
	mu      sync.RWMutex
	members map[int64]map[int64]struct{}
}

// NewFallback creates an empty fallback store.
func NewFallback() *Fallback {
	return &Fallback{members: make(map[int64]map[int64]struct{})}
}

// Set replaces the membership of a conversation.
func (f *Fallback) Set(conversationID int64, userIDs []int64) {
	set := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	f.mu.Lock()
	f.members[conversationID] = set
	f.mu.Unlock()
}

// Add inserts users into a conversation's membership.
func (f *Fallback) Add(conversationID int64, userIDs ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.members[conversationID]
	if !ok {
		set = make(map[int64]struct{}, len(userIDs))
		f.members[conversationID] = set
	}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
}

// Members returns the known members of a conversation. ok is false when
// nothing is known about it.
func (f *Fallback) Members(conversationID int64) (ids []int64, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	set, ok := f.members[conversationID]
	if !ok {
		return nil, false
	}
	ids = make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, true
}

// Contains reports whether userID is a known member. known is false when
// nothing is known about the conversation.
func (f *Fallback) Contains(conversationID, userID int64) (member, known bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	set, known := f.members[conversationID]
	if !known {
		return false, false
	}
	_, member = set[userID]
	return member, true
}
