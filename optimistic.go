package liveq

// a speculative transformation of the locally visible query results,
// applied when a mutation is issued and retired once the transition that
// incorporates the mutation arrives. Updates are never rolled back as a
// separate step: the visible view is always recomputed fresh from the
// confirmed base plus the updates still pending, in submission order.
type OptimisticUpdateFunction func(store *OptimisticLocalStore)

// the writable view handed to an `OptimisticUpdateFunction`
type OptimisticLocalStore struct {
	results map[QueryToken]FunctionResult
}

func (self *OptimisticLocalStore) GetQuery(functionRef string, args map[string]Value) (Value, bool) {
	token, err := NewQueryToken(functionRef, args)
	if err != nil {
		return nil, false
	}
	result, ok := self.results[token]
	if !ok || result.Err != nil {
		return nil, false
	}
	return result.Value, true
}

func (self *OptimisticLocalStore) SetQuery(functionRef string, args map[string]Value, value Value) {
	token, err := NewQueryToken(functionRef, args)
	if err != nil {
		return
	}
	self.results[token] = FunctionResult{
		Value: value,
	}
}

type optimisticUpdate struct {
	// owning requestId
	requestId uint64
	updateFn  OptimisticUpdateFunction
}

// pending speculative updates in submission order.
//
// all methods must be called while holding the client state lock.
type optimisticQueue struct {
	updates []*optimisticUpdate
}

func newOptimisticQueue() *optimisticQueue {
	return &optimisticQueue{
		updates: []*optimisticUpdate{},
	}
}

func (self *optimisticQueue) enqueue(requestId uint64, updateFn OptimisticUpdateFunction) {
	self.updates = append(self.updates, &optimisticUpdate{
		requestId: requestId,
		updateFn:  updateFn,
	})
}

func (self *optimisticQueue) retire(requestId uint64) bool {
	for i, update := range self.updates {
		if update.requestId == requestId {
			self.updates = append(self.updates[:i], self.updates[i+1:]...)
			return true
		}
	}
	return false
}

func (self *optimisticQueue) empty() bool {
	return len(self.updates) == 0
}

// re-derives the visible view from the confirmed base. Removing any one
// update and recomputing is deterministic because every computation starts
// from the latest confirmed snapshot, never from a previously composed
// view.
func (self *optimisticQueue) computeVisible(confirmed map[QueryToken]FunctionResult) map[QueryToken]FunctionResult {
	store := &OptimisticLocalStore{
		results: confirmed,
	}
	for _, update := range self.updates {
		updateFn := update.updateFn
		HandleError(func() {
			updateFn(store)
		})
	}
	return store.results
}
