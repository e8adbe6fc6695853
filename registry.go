package liveq

import (
	"slices"
)

// the set of queries the application currently wants, deduplicated by
// token and ref-counted per subscriber. Changes accumulate into a pending
// added/removed delta that is coalesced into a single ModifyQuerySet per
// flush, so rapid subscribe/unsubscribe churn produces minimal protocol
// chatter. A subscribe followed by an unsubscribe before the next flush
// cancels out entirely.
//
// all methods must be called while holding the client state lock.
type queryRegistry struct {
	entries map[QueryToken]*subscriptionEntry
	// creation order, for deterministic full resends
	order []QueryToken

	// last transmitted (or staged) query set version
	version        uint32
	pendingAdded   map[QueryToken]bool
	pendingRemoved map[QueryToken]bool
	// entries whose removal is staged but not yet flushed. The server
	// still considers these subscribed, so a resubscribe before the flush
	// restores the entry (journal included) rather than re-adding, and the
	// confirmed data stays valid until the removal actually goes out.
	removedEntries map[QueryToken]*subscriptionEntry
}

type subscriptionEntry struct {
	token       QueryToken
	functionRef string
	args        map[string]Value
	refCount    int
	// opaque continuation returned by the server, replayed on resync
	journal *string

	subscribers map[Id]*Subscription
}

func newQueryRegistry() *queryRegistry {
	return &queryRegistry{
		entries:        map[QueryToken]*subscriptionEntry{},
		order:          []QueryToken{},
		pendingAdded:   map[QueryToken]bool{},
		pendingRemoved: map[QueryToken]bool{},
		removedEntries: map[QueryToken]*subscriptionEntry{},
	}
}

func (self *queryRegistry) subscribe(functionRef string, args map[string]Value) (*subscriptionEntry, error) {
	token, err := NewQueryToken(functionRef, args)
	if err != nil {
		return nil, err
	}

	entry, ok := self.entries[token]
	if ok {
		entry.refCount += 1
		return entry, nil
	}

	if self.pendingRemoved[token] {
		// removal not flushed yet. cancel it out and restore the entry,
		// journal and all. The server never stopped serving this query, so
		// there is no delta to send.
		entry = self.removedEntries[token]
		delete(self.removedEntries, token)
		delete(self.pendingRemoved, token)
		entry.refCount = 1
		self.entries[token] = entry
		self.order = append(self.order, token)
		return entry, nil
	}

	entry = &subscriptionEntry{
		token:       token,
		functionRef: functionRef,
		args:        normalizeArgs(args),
		refCount:    1,
		subscribers: map[Id]*Subscription{},
	}
	self.entries[token] = entry
	self.order = append(self.order, token)
	self.pendingAdded[token] = true
	return entry, nil
}

// decrements the refcount. At zero the entry is destroyed and a removal
// is staged for the next flush. Returns true when the entry was destroyed.
func (self *queryRegistry) unsubscribe(token QueryToken) bool {
	entry, ok := self.entries[token]
	if !ok {
		// idempotent, tolerate a repeat removal
		return false
	}
	entry.refCount -= 1
	if 0 < entry.refCount {
		return false
	}

	delete(self.entries, token)
	if i := slices.Index(self.order, token); 0 <= i {
		self.order = slices.Delete(self.order, i, i+1)
	}

	if self.pendingAdded[token] {
		// the server never heard about this query. cancel it out.
		delete(self.pendingAdded, token)
	} else {
		self.pendingRemoved[token] = true
		self.removedEntries[token] = entry
	}
	return true
}

func (self *queryRegistry) get(token QueryToken) *subscriptionEntry {
	return self.entries[token]
}

// like `get` but also finds entries whose removal is staged. Transitions
// for a query in the removed window still update its confirmed data and
// journal; the server keeps serving it until the removal flushes.
func (self *queryRegistry) lookup(token QueryToken) *subscriptionEntry {
	if entry, ok := self.entries[token]; ok {
		return entry
	}
	return self.removedEntries[token]
}

// drains the accumulated delta into a single ModifyQuerySet, or nil when
// nothing changed since the last flush
func (self *queryRegistry) takeDelta() *ModifyQuerySetMessage {
	if len(self.pendingAdded) == 0 && len(self.pendingRemoved) == 0 {
		return nil
	}

	message := &ModifyQuerySetMessage{
		BaseVersion: self.version,
		NewVersion:  self.version + 1,
		Added:       []QuerySetEntry{},
		Removed:     []QueryToken{},
	}
	// emit in registry order so retransmissions are deterministic
	for _, token := range self.order {
		if !self.pendingAdded[token] {
			continue
		}
		entry := self.entries[token]
		message.Added = append(message.Added, QuerySetEntry{
			Token:       entry.token,
			FunctionRef: entry.functionRef,
			Args:        entry.args,
			Journal:     entry.journal,
		})
	}
	for token := range self.pendingRemoved {
		message.Removed = append(message.Removed, token)
		delete(self.removedEntries, token)
	}
	slices.Sort(message.Removed)

	self.version += 1
	self.pendingAdded = map[QueryToken]bool{}
	self.pendingRemoved = map[QueryToken]bool{}
	return message
}

// prepares the full desired set for a fresh connection. The server has no
// memory of a previous connection generation, so the entire set is re-added
// against version zero and any staged delta is discarded.
func (self *queryRegistry) resetForResync() *ModifyQuerySetMessage {
	self.pendingAdded = map[QueryToken]bool{}
	self.pendingRemoved = map[QueryToken]bool{}
	self.removedEntries = map[QueryToken]*subscriptionEntry{}

	if len(self.order) == 0 {
		self.version = 0
		return nil
	}

	message := &ModifyQuerySetMessage{
		BaseVersion: 0,
		NewVersion:  1,
		Added:       []QuerySetEntry{},
		Removed:     []QueryToken{},
	}
	for _, token := range self.order {
		entry := self.entries[token]
		message.Added = append(message.Added, QuerySetEntry{
			Token:       entry.token,
			FunctionRef: entry.functionRef,
			Args:        entry.args,
			Journal:     entry.journal,
		})
	}
	self.version = 1
	return message
}

func (self *queryRegistry) size() int {
	return len(self.entries)
}
