package liveq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

type ConnectionState string

const (
	ConnectionStateConnecting        ConnectionState = "connecting"
	ConnectionStateAuthenticating    ConnectionState = "authenticating"
	ConnectionStateConnected         ConnectionState = "connected"
	ConnectionStateDisconnected      ConnectionState = "disconnected"
	ConnectionStatePermanentlyClosed ConnectionState = "permanently_closed"
)

type ConnectionStateFunction func(state ConnectionState)

type AuthErrorFunction func(err *AuthError)

// consistent snapshot of all visible query results
type QueryResults = map[QueryToken]FunctionResult

type ClientSettings struct {
	TransportSettings *WebSocketTransportSettings
	ReconnectSettings *ReconnectSettings
	// keepalive interval when the outgoing side is idle
	PingTimeout time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		TransportSettings: DefaultWebSocketTransportSettings(),
		ReconnectSettings: DefaultReconnectSettings(),
		PingTimeout:       1 * time.Second,
	}
}

type MutationOptions struct {
	// applied synchronously to the locally visible state, retired once the
	// server transition incorporating the mutation arrives. The update
	// function must not call back into the client.
	OptimisticUpdate OptimisticUpdateFunction
}

// Client maintains a persistent connection to a remote query engine and a
// live, locally cached view of the subscribed query set. Mutations apply
// speculative local effects ahead of server confirmation, and all state is
// reconciled across disconnects, reconnects, and out-of-order delivery.
//
// All state transitions happen either on an application call or on an
// inbound network event, one at a time under `stateLock`. The outbox
// preserves enqueue order and a single writer drains it, so "assign
// request id + transmit" and "compute query delta + transmit" are each
// strictly serialized.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *ClientSettings

	sessionId uuid.UUID

	stateLock  sync.Mutex
	registry   *queryRegistry
	store      *queryStore
	optimistic *optimisticQueue
	requests   *requestTracker
	// confirmed results with all still-pending optimistic updates applied
	visible map[QueryToken]FunctionResult

	// encoded frames in transmission order
	outbox        [][]byte
	outboxMonitor *Monitor

	connectionState      ConnectionState
	connectionCount      int
	lastCloseReason      string
	maxObservedTimestamp *int64

	authToken   string
	authVersion uint32
	// a rejected token is not retried. cleared by the next SetAuth.
	authErrored bool

	closed   bool
	closeErr error

	watches map[Id]chan QueryResults

	stateCallbacks     *CallbackList[ConnectionStateFunction]
	authErrorCallbacks *CallbackList[AuthErrorFunction]
}

func NewClientWithDefaults(ctx context.Context, deploymentUrl string) (*Client, error) {
	return NewClient(ctx, deploymentUrl, DefaultClientSettings())
}

func NewClient(ctx context.Context, deploymentUrl string, settings *ClientSettings) (*Client, error) {
	syncUrl, err := DeploymentSyncUrl(deploymentUrl)
	if err != nil {
		return nil, err
	}
	transport := NewWebSocketTransport(syncUrl, settings.TransportSettings)
	return NewClientWithTransport(ctx, transport, settings), nil
}

func NewClientWithTransport(ctx context.Context, transport Transport, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:                cancelCtx,
		cancel:             cancel,
		transport:          transport,
		settings:           settings,
		sessionId:          uuid.New(),
		registry:           newQueryRegistry(),
		store:              newQueryStore(),
		optimistic:         newOptimisticQueue(),
		requests:           newRequestTracker(),
		visible:            map[QueryToken]FunctionResult{},
		outboxMonitor:      NewMonitor(),
		connectionState:    ConnectionStateConnecting,
		lastCloseReason:    "InitialConnect",
		watches:            map[Id]chan QueryResults{},
		stateCallbacks:     NewCallbackList[ConnectionStateFunction](),
		authErrorCallbacks: NewCallbackList[AuthErrorFunction](),
	}
	go client.run()
	return client
}

func (self *Client) SessionId() uuid.UUID {
	return self.sessionId
}

// the connect/reconnect loop. One iteration per physical connection
// generation; the server has no memory of a previous generation, so every
// new connection starts with a full resynchronization.
func (self *Client) run() {
	defer self.closeWithError(ErrClientClosed)

	reconnect := NewReconnect(self.settings.ReconnectSettings)
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setConnectionState(ConnectionStateConnecting)
		conn, err := self.transport.Dial(self.ctx)
		if err != nil {
			glog.Infof("[c]dial error = %s\n", err)
			self.noteCloseReason(fmt.Sprintf("DialError: %s", err))
			reconnect.Disconnected()
			self.setConnectionState(ConnectionStateDisconnected)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.runConnection(conn, reconnect)
		reconnect.Disconnected()

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.setConnectionState(ConnectionStateDisconnected)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Client) runConnection(conn TransportConn, reconnect *Reconnect) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)

	writerDone := make(chan struct{})
	defer func() {
		// the next resync must not start while this generation's writer
		// can still drain the outbox
		conn.Close()
		handleCancel()
		<-writerDone
	}()

	self.setConnectionState(ConnectionStateAuthenticating)
	self.resync()

	go func() {
		defer close(writerDone)
		defer handleCancel()

		for {
			message, notify := self.takeOutgoing()
			if message != nil {
				if err := conn.Send(message); err != nil {
					glog.Infof("[ts]error = %s\n", err)
					self.noteCloseReason(fmt.Sprintf("SendError: %s", err))
					return
				}
				glog.V(2).Infof("[ts]->\n")
				continue
			}
			select {
			case <-handleCtx.Done():
				return
			case <-notify:
			case <-time.After(self.settings.PingTimeout):
				if err := conn.Ping(); err != nil {
					return
				}
			}
		}
	}()

	connected := false
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		message, err := conn.Receive()
		if err != nil {
			glog.Infof("[tr]error = %s\n", err)
			self.noteCloseReason(fmt.Sprintf("ReceiveError: %s", err))
			return
		}
		serverMessage, err := DecodeServerMessage(message)
		if err != nil {
			// the session state cannot be trusted. force a reconnect.
			glog.Infof("[tr]%s\n", err)
			self.noteCloseReason(fmt.Sprintf("ProtocolError: %s", err))
			return
		}

		if err := self.handleServerMessage(serverMessage); err != nil {
			glog.Infof("[c]%s\n", err)
			self.noteCloseReason(fmt.Sprintf("ProtocolError: %s", err))
			return
		}

		// announced only once a message has been handled cleanly. A fatal
		// first message must not flash a healthy connection; by this point
		// it has already permanently closed the client, and
		// `setConnectionState` is a no-op on a closed client.
		if !connected {
			connected = true
			reconnect.Connected()
			self.setConnectionState(ConnectionStateConnected)
		}
	}
}

// rebuilds the outgoing queue for a fresh connection: Connect, the new
// auth token, the entire current desired query set, and every request not
// yet confirmed by the server, in original requestId order.
func (self *Client) resync() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}

	self.outbox = nil
	self.store.resetVersion()

	connect := &ConnectMessage{
		SessionId:            self.sessionId,
		ConnectionCount:      self.connectionCount,
		LastCloseReason:      self.lastCloseReason,
		MaxObservedTimestamp: self.maxObservedTimestamp,
	}
	self.connectionCount += 1
	self.enqueueMessage(connect)

	self.authVersion = 0
	if self.authToken != "" && !self.authErrored && !self.authTokenExpired() {
		self.enqueueMessage(&UpdateAuthMessage{
			BaseVersion: self.authVersion,
			Token:       self.authToken,
		})
		self.authVersion += 1
	}

	// staged removals never reach the fresh session. They are simply left
	// out of the full re-add, and their confirmed data goes with them.
	for token := range self.registry.pendingRemoved {
		self.store.drop(token)
		delete(self.visible, token)
	}
	if querySet := self.registry.resetForResync(); querySet != nil {
		self.enqueueMessage(querySet)
	}

	for _, request := range self.requests.resendable() {
		switch request.kind {
		case RequestKindMutation:
			self.enqueueMessage(&MutationMessage{
				RequestId:   request.requestId,
				FunctionRef: request.functionRef,
				Args:        request.args,
			})
		case RequestKindAction:
			self.enqueueMessage(&ActionMessage{
				RequestId:   request.requestId,
				FunctionRef: request.functionRef,
				Args:        request.args,
			})
		}
	}
}

// whether the current token is a parseable auth token that has already
// expired. Replaying one on resync would only earn a guaranteed rejection.
// Opaque tokens are replayed as-is.
func (self *Client) authTokenExpired() bool {
	parsed, err := ParseAuthTokenUnverified(self.authToken)
	if err != nil {
		return false
	}
	if parsed.Expired() {
		glog.Infof("[c]auth token expired, not replayed\n")
		return true
	}
	return false
}

// must be called while holding the state lock
func (self *Client) enqueueMessage(message ClientMessage) {
	b, err := EncodeClientMessage(message)
	if err != nil {
		// arguments were validated when the request was issued
		glog.Infof("[c]encode error = %s\n", err)
		return
	}
	self.outbox = append(self.outbox, b)
	self.outboxMonitor.NotifyAll()
}

// pops the next frame to transmit, or returns a channel that signals when
// one may be available. A coalesced query-set delta is computed lazily
// here, so subscribe/unsubscribe churn between writer wakeups collapses
// into a single ModifyQuerySet.
func (self *Client) takeOutgoing() ([]byte, <-chan struct{}) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if 0 < len(self.outbox) {
		message := self.outbox[0]
		self.outbox = self.outbox[1:]
		return message, nil
	}
	if delta := self.registry.takeDelta(); delta != nil {
		for _, token := range delta.Removed {
			self.store.drop(token)
			delete(self.visible, token)
		}
		b, err := EncodeClientMessage(delta)
		if err == nil {
			return b, nil
		}
		glog.Infof("[q]encode error = %s\n", err)
	}
	return nil, self.outboxMonitor.NotifyChannel()
}

func (self *Client) handleServerMessage(message ServerMessage) error {
	switch v := message.(type) {
	case *PingMessage:
		return nil
	case *TransitionMessage:
		return self.handleTransition(v)
	case *MutationResponseMessage:
		self.handleMutationResponse(v)
		return nil
	case *ActionResponseMessage:
		self.handleActionResponse(v)
		return nil
	case *AuthErrorMessage:
		glog.Infof("[c]auth error = %s\n", v.Message)
		self.stateLock.Lock()
		self.authErrored = true
		self.stateLock.Unlock()
		err := &AuthError{
			Message: v.Message,
		}
		for _, callback := range self.authErrorCallbacks.Get() {
			HandleError(func() {
				callback(err)
			})
		}
		return nil
	case *FatalErrorMessage:
		glog.Infof("[c]fatal error = %s\n", v.Message)
		self.closeWithError(&FatalError{
			Message: v.Message,
		})
		return nil
	default:
		return newProtocolError(fmt.Sprintf("unexpected message %T", v), nil)
	}
}

func (self *Client) handleTransition(message *TransitionMessage) error {
	self.stateLock.Lock()

	changed, err := self.store.applyTransition(self.registry, message)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}

	ts := message.EndVersion.Ts
	self.observeTimestamp(ts)

	// requests whose committed effects this transition incorporates
	resolved := self.requests.resolveCompletedUpTo(ts)
	retired := false
	for _, request := range resolved {
		if request.hasOptimisticUpdate {
			if self.optimistic.retire(request.requestId) {
				retired = true
			}
		}
	}

	if 0 < len(changed) || retired {
		self.updateVisibleLocked()
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[c]transition ts=%d updates=%d resolved=%d\n", ts, len(message.QueryUpdates), len(resolved))
	for _, request := range resolved {
		request := request
		HandleError(func() {
			request.callback.Result(request.result, nil)
		})
	}
	return nil
}

func (self *Client) handleMutationResponse(message *MutationResponseMessage) {
	if message.Success {
		self.stateLock.Lock()
		request := self.requests.markCompleted(message.RequestId, message.Result, message.Ts)
		self.observeTimestamp(message.Ts)
		self.stateLock.Unlock()
		if request == nil {
			glog.V(1).Infof("[c]response for unknown request %d\n", message.RequestId)
		}
		// resolution waits for the incorporating transition
		return
	}

	self.stateLock.Lock()
	request := self.requests.take(message.RequestId)
	if request != nil && request.hasOptimisticUpdate {
		// the speculative effect is simply retired, never rolled back as a
		// separate step: the visible view recomputes from confirmed state
		// plus the remaining updates
		if self.optimistic.retire(request.requestId) {
			self.updateVisibleLocked()
		}
	}
	self.stateLock.Unlock()

	if request == nil {
		glog.V(1).Infof("[c]response for unknown request %d\n", message.RequestId)
		return
	}
	err := &ServerFunctionError{
		FunctionRef: request.functionRef,
		Message:     message.ErrorMessage,
	}
	HandleError(func() {
		request.callback.Result(nil, err)
	})
}

func (self *Client) handleActionResponse(message *ActionResponseMessage) {
	self.stateLock.Lock()
	request := self.requests.take(message.RequestId)
	self.stateLock.Unlock()

	if request == nil {
		glog.V(1).Infof("[c]response for unknown request %d\n", message.RequestId)
		return
	}
	var err error
	if !message.Success {
		err = &ServerFunctionError{
			FunctionRef: request.functionRef,
			Message:     message.ErrorMessage,
		}
	}
	HandleError(func() {
		request.callback.Result(message.Result, err)
	})
}

// must be called while holding the state lock
func (self *Client) observeTimestamp(ts int64) {
	if self.maxObservedTimestamp == nil || *self.maxObservedTimestamp < ts {
		self.maxObservedTimestamp = &ts
	}
}

// recomputes the visible view (confirmed base plus pending optimistic
// updates in insertion order) and notifies subscribers and watchers of
// tokens whose visible result changed.
//
// must be called while holding the state lock
func (self *Client) updateVisibleLocked() {
	nextVisible := self.optimistic.computeVisible(self.store.snapshot())

	changed := false
	for token, result := range nextVisible {
		previous, ok := self.visible[token]
		if ok && previous.equals(result) {
			continue
		}
		changed = true
		if entry := self.registry.get(token); entry != nil {
			for _, sub := range entry.subscribers {
				sub.push(result)
			}
		}
	}
	if !changed && len(nextVisible) != len(self.visible) {
		changed = true
	}
	self.visible = nextVisible

	if changed && 0 < len(self.watches) {
		snapshot := make(QueryResults, len(nextVisible))
		for token, result := range nextVisible {
			snapshot[token] = result
		}
		for _, watch := range self.watches {
			pushConflate(watch, snapshot)
		}
	}
}

// Subscribe registers interest in the results of `functionRef` called with
// `args`. Identical function+args pairs share one token and one server
// subscription; the server is informed via a coalesced query-set delta.
func (self *Client) Subscribe(functionRef string, args map[string]Value) (*Subscription, error) {
	self.stateLock.Lock()

	if self.closed {
		self.stateLock.Unlock()
		return nil, ErrClientClosed
	}

	entry, err := self.registry.subscribe(functionRef, args)
	if err != nil {
		self.stateLock.Unlock()
		return nil, err
	}

	sub := &Subscription{
		client:       self,
		subscriberId: NewId(),
		token:        entry.token,
		updates:      make(chan FunctionResult, 1),
	}
	entry.subscribers[sub.subscriberId] = sub

	// a new subscriber to an already resolved token observes the current
	// value immediately
	if result, ok := self.visible[entry.token]; ok {
		sub.push(result)
	}

	self.outboxMonitor.NotifyAll()
	self.stateLock.Unlock()

	glog.V(1).Infof("[q]subscribe %s\n", functionRef)
	return sub, nil
}

func (self *Client) unsubscribe(sub *Subscription) {
	self.stateLock.Lock()

	if self.closed {
		self.stateLock.Unlock()
		sub.closeUpdates()
		return
	}

	if entry := self.registry.get(sub.token); entry != nil {
		delete(entry.subscribers, sub.subscriberId)
	}
	// confirmed data is dropped only when the removal actually flushes, so
	// an unsubscribe/resubscribe cycle before the next flush keeps the
	// current value answerable
	self.registry.unsubscribe(sub.token)
	self.outboxMonitor.NotifyAll()
	self.stateLock.Unlock()

	sub.closeUpdates()
}

// Query is a one-shot request: subscribe, await the first result,
// unsubscribe.
func (self *Client) Query(ctx context.Context, functionRef string, args map[string]Value) (Value, error) {
	sub, err := self.Subscribe(functionRef, args)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	select {
	case result, ok := <-sub.Updates():
		if !ok {
			return nil, ErrClientClosed
		}
		return result.Value, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetResult answers from server-confirmed state only. Missing ok means no
// data yet.
func (self *Client) GetResult(token QueryToken) (FunctionResult, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.store.get(token)
}

// ComputeVisible answers with every still-pending optimistic update
// applied on top of confirmed state.
func (self *Client) ComputeVisible(token QueryToken) (FunctionResult, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	result, ok := self.visible[token]
	return result, ok
}

// Mutation runs `functionRef` on the server and blocks until the
// transition incorporating its effects has been applied locally. There is
// no per-request timeout: the request stays pending across reconnects
// until a response arrives or the client is permanently closed. `ctx` only
// bounds the caller's wait.
func (self *Client) Mutation(ctx context.Context, functionRef string, args map[string]Value, opts *MutationOptions) (Value, error) {
	callback, c := NewBlockingApiCallback[Value]()
	if _, err := self.sendMutation(functionRef, args, opts, callback); err != nil {
		return nil, err
	}
	select {
	case r := <-c:
		return r.Result, r.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendMutation is the asynchronous form of `Mutation`. The returned
// requestId is strictly increasing in call order, and frames are
// transmitted in exactly that order.
func (self *Client) SendMutation(functionRef string, args map[string]Value, opts *MutationOptions, callback func(result Value, err error)) (uint64, error) {
	var apiCb apiCallback[Value]
	if callback != nil {
		apiCb = NewApiCallback(callback)
	} else {
		apiCb = NewNoopApiCallback[Value]()
	}
	return self.sendMutation(functionRef, args, opts, apiCb)
}

func (self *Client) sendMutation(functionRef string, args map[string]Value, opts *MutationOptions, callback apiCallback[Value]) (uint64, error) {
	hasOptimisticUpdate := opts != nil && opts.OptimisticUpdate != nil

	self.stateLock.Lock()

	if self.closed {
		self.stateLock.Unlock()
		return 0, ErrClientClosed
	}

	request := self.requests.register(RequestKindMutation, functionRef, args, callback, hasOptimisticUpdate)
	message := &MutationMessage{
		RequestId:   request.requestId,
		FunctionRef: functionRef,
		Args:        request.args,
	}
	b, err := EncodeClientMessage(message)
	if err != nil {
		self.requests.take(request.requestId)
		self.stateLock.Unlock()
		return 0, err
	}

	if hasOptimisticUpdate {
		// the caller observes the speculative effect before any network
		// round trip
		self.optimistic.enqueue(request.requestId, opts.OptimisticUpdate)
		self.updateVisibleLocked()
	}

	self.outbox = append(self.outbox, b)
	self.outboxMonitor.NotifyAll()
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]mutation %d %s\n", request.requestId, functionRef)
	return request.requestId, nil
}

// Action runs a side-effecting function on the server. Actions resolve as
// soon as their response arrives; they do not wait for a transition.
func (self *Client) Action(ctx context.Context, functionRef string, args map[string]Value) (Value, error) {
	callback, c := NewBlockingApiCallback[Value]()
	if _, err := self.sendAction(functionRef, args, callback); err != nil {
		return nil, err
	}
	select {
	case r := <-c:
		return r.Result, r.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (self *Client) SendAction(functionRef string, args map[string]Value, callback func(result Value, err error)) (uint64, error) {
	var apiCb apiCallback[Value]
	if callback != nil {
		apiCb = NewApiCallback(callback)
	} else {
		apiCb = NewNoopApiCallback[Value]()
	}
	return self.sendAction(functionRef, args, apiCb)
}

func (self *Client) sendAction(functionRef string, args map[string]Value, callback apiCallback[Value]) (uint64, error) {
	self.stateLock.Lock()

	if self.closed {
		self.stateLock.Unlock()
		return 0, ErrClientClosed
	}

	request := self.requests.register(RequestKindAction, functionRef, args, callback, false)
	message := &ActionMessage{
		RequestId:   request.requestId,
		FunctionRef: functionRef,
		Args:        request.args,
	}
	b, err := EncodeClientMessage(message)
	if err != nil {
		self.requests.take(request.requestId)
		self.stateLock.Unlock()
		return 0, err
	}

	self.outbox = append(self.outbox, b)
	self.outboxMonitor.NotifyAll()
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]action %d %s\n", request.requestId, functionRef)
	return request.requestId, nil
}

// SetAuth informs the server of the caller's new identity. An empty token
// logs out. A token the server rejected is surfaced through the auth error
// callbacks and is not silently retried.
func (self *Client) SetAuth(token string) {
	if token != "" {
		if parsed, err := ParseAuthTokenUnverified(token); err == nil {
			glog.V(1).Infof("[c]auth update sub=%s\n", parsed.Subject)
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}

	self.authToken = token
	self.authErrored = false
	self.enqueueMessage(&UpdateAuthMessage{
		BaseVersion: self.authVersion,
		Token:       token,
	})
	self.authVersion += 1
}

// WatchAll returns a conflating channel of consistent snapshots of all
// visible query results, plus a function that removes the watch.
func (self *Client) WatchAll() (<-chan QueryResults, func()) {
	self.stateLock.Lock()

	c := make(chan QueryResults, 1)
	if self.closed {
		self.stateLock.Unlock()
		close(c)
		return c, func() {}
	}

	watchId := NewId()
	self.watches[watchId] = c
	if 0 < len(self.visible) {
		snapshot := make(QueryResults, len(self.visible))
		for token, result := range self.visible {
			snapshot[token] = result
		}
		pushConflate(c, snapshot)
	}
	self.stateLock.Unlock()

	remove := func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if _, ok := self.watches[watchId]; ok {
			delete(self.watches, watchId)
			close(c)
		}
	}
	return c, remove
}

func (self *Client) ConnectionState() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectionState
}

func (self *Client) AddConnectionStateCallback(callback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *Client) AddAuthErrorCallback(callback AuthErrorFunction) func() {
	callbackId := self.authErrorCallbacks.Add(callback)
	return func() {
		self.authErrorCallbacks.Remove(callbackId)
	}
}

func (self *Client) setConnectionState(state ConnectionState) {
	self.stateLock.Lock()
	if self.closed || self.connectionState == state {
		self.stateLock.Unlock()
		return
	}
	self.connectionState = state
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]state %s\n", state)
	for _, callback := range self.stateCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(state)
		})
	}
}

func (self *Client) noteCloseReason(reason string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastCloseReason = reason
}

// Close permanently closes the client. Every pending request is rejected
// and subsequent calls fail immediately.
func (self *Client) Close() {
	self.closeWithError(ErrClientClosed)
}

func (self *Client) closeWithError(closeErr error) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.closeErr = closeErr
	self.connectionState = ConnectionStatePermanentlyClosed

	requests := self.requests.takeAll()

	subs := []*Subscription{}
	for _, token := range self.registry.order {
		entry := self.registry.get(token)
		for _, sub := range entry.subscribers {
			subs = append(subs, sub)
		}
	}
	for _, watch := range self.watches {
		close(watch)
	}
	self.watches = map[Id]chan QueryResults{}
	self.stateLock.Unlock()

	self.cancel()

	glog.V(1).Infof("[c]closed = %s\n", closeErr)
	for _, sub := range subs {
		sub.closeUpdates()
	}
	for _, request := range requests {
		request := request
		HandleError(func() {
			request.callback.Result(nil, closeErr)
		})
	}
	for _, callback := range self.stateCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(ConnectionStatePermanentlyClosed)
		})
	}
}

// a single subscriber's handle on a shared query subscription
type Subscription struct {
	client       *Client
	subscriberId Id
	token        QueryToken
	// conflating: holds only the latest result
	updates chan FunctionResult

	detachOnce sync.Once
	closeOnce  sync.Once
}

func (self *Subscription) Token() QueryToken {
	return self.token
}

// Updates yields the latest visible result each time it changes. The
// channel conflates: a slow reader observes the newest value, not every
// intermediate one. It closes on unsubscribe or client close.
func (self *Subscription) Updates() <-chan FunctionResult {
	return self.updates
}

// Unsubscribe cancels only the desire for updates. The removal reaches the
// server in the next coalesced query-set delta.
func (self *Subscription) Unsubscribe() {
	self.detachOnce.Do(func() {
		self.client.unsubscribe(self)
	})
}

// must be called while holding the client state lock
func (self *Subscription) push(result FunctionResult) {
	pushConflate(self.updates, result)
}

func (self *Subscription) closeUpdates() {
	self.closeOnce.Do(func() {
		close(self.updates)
	})
}

func pushConflate[T any](c chan T, v T) {
	select {
	case <-c:
	default:
	}
	select {
	case c <- v:
	default:
	}
}
