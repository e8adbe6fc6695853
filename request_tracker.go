package liveq

type RequestKind string

const (
	RequestKindMutation RequestKind = "mutation"
	RequestKindAction   RequestKind = "action"
)

type pendingRequest struct {
	requestId   uint64
	kind        RequestKind
	functionRef string
	args        map[string]Value
	callback    apiCallback[Value]
	// a pending optimistic update shares the request's id
	hasOptimisticUpdate bool

	// a successful mutation response arrived but the transition
	// incorporating it has not. The caller's promise resolves only once
	// that transition is applied, so the confirmed view never lags the
	// resolved result.
	completed   bool
	completedTs int64
	result      Value
}

// assigns ordered request identifiers and matches asynchronous server
// responses back to the caller's pending callback. Ids are strictly
// increasing for the life of the client; transmission order is guarded by
// the client send lock.
//
// all methods must be called while holding the client state lock.
type requestTracker struct {
	nextRequestId uint64
	pending       map[uint64]*pendingRequest
	// requestId order, for ordered resends after a reconnect
	order []uint64
}

func newRequestTracker() *requestTracker {
	return &requestTracker{
		pending: map[uint64]*pendingRequest{},
		order:   []uint64{},
	}
}

func (self *requestTracker) register(
	kind RequestKind,
	functionRef string,
	args map[string]Value,
	callback apiCallback[Value],
	hasOptimisticUpdate bool,
) *pendingRequest {
	request := &pendingRequest{
		requestId:           self.nextRequestId,
		kind:                kind,
		functionRef:         functionRef,
		args:                normalizeArgs(args),
		callback:            callback,
		hasOptimisticUpdate: hasOptimisticUpdate,
	}
	self.nextRequestId += 1
	self.pending[request.requestId] = request
	self.order = append(self.order, request.requestId)
	return request
}

func (self *requestTracker) take(requestId uint64) *pendingRequest {
	request, ok := self.pending[requestId]
	if !ok {
		return nil
	}
	self.remove(requestId)
	return request
}

func (self *requestTracker) markCompleted(requestId uint64, result Value, ts int64) *pendingRequest {
	request, ok := self.pending[requestId]
	if !ok {
		return nil
	}
	request.completed = true
	request.completedTs = ts
	request.result = result
	return request
}

// removes and returns every completed request whose transition has now been
// observed. The caller invokes the callbacks outside the state lock.
func (self *requestTracker) resolveCompletedUpTo(ts int64) []*pendingRequest {
	resolved := []*pendingRequest{}
	for _, requestId := range self.order {
		request := self.pending[requestId]
		if request.completed && request.completedTs <= ts {
			resolved = append(resolved, request)
		}
	}
	for _, request := range resolved {
		self.remove(request.requestId)
	}
	return resolved
}

// removes and returns every pending request, in order. Used at permanent
// close to reject them en masse.
func (self *requestTracker) takeAll() []*pendingRequest {
	requests := make([]*pendingRequest, 0, len(self.order))
	for _, requestId := range self.order {
		requests = append(requests, self.pending[requestId])
	}
	self.pending = map[uint64]*pendingRequest{}
	self.order = []uint64{}
	return requests
}

// requests to retransmit on a fresh connection, in requestId order.
// requests already confirmed by the server (awaiting only their
// transition) are not resent; the server committed them, and the fresh
// session's transitions carry the same global timestamps.
func (self *requestTracker) resendable() []*pendingRequest {
	requests := []*pendingRequest{}
	for _, requestId := range self.order {
		request := self.pending[requestId]
		if !request.completed {
			requests = append(requests, request)
		}
	}
	return requests
}

func (self *requestTracker) size() int {
	return len(self.pending)
}

func (self *requestTracker) remove(requestId uint64) {
	delete(self.pending, requestId)
	for i, id := range self.order {
		if id == requestId {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
}
