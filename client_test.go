package liveq

import (
	"context"
	"errors"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// an in-memory server side. Each Dial produces one connection generation
// that the test drives directly.
type testTransport struct {
	conns chan *testConn
}

func newTestTransport() *testTransport {
	return &testTransport{
		conns: make(chan *testConn, 8),
	}
}

func (self *testTransport) Dial(ctx context.Context) (TransportConn, error) {
	conn := newTestConn()
	select {
	case self.conns <- conn:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (self *testTransport) accept(t *testing.T) *testConn {
	select {
	case conn := <-self.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for a connection.")
		return nil
	}
}

type testConn struct {
	clientToServer chan []byte
	serverToClient chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newTestConn() *testConn {
	return &testConn{
		clientToServer: make(chan []byte, 64),
		serverToClient: make(chan []byte, 64),
		closed:         make(chan struct{}),
	}
}

func (self *testConn) Send(message []byte) error {
	select {
	case self.clientToServer <- message:
		return nil
	case <-self.closed:
		return errors.New("connection closed")
	}
}

func (self *testConn) Receive() ([]byte, error) {
	select {
	case message := <-self.serverToClient:
		return message, nil
	case <-self.closed:
		return nil, errors.New("connection closed")
	}
}

func (self *testConn) Ping() error {
	select {
	case <-self.closed:
		return errors.New("connection closed")
	default:
		return nil
	}
}

func (self *testConn) Close() {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
}

// server-side helpers

func (self *testConn) receiveClientMessage(t *testing.T) ClientMessage {
	select {
	case b := <-self.clientToServer:
		message, err := DecodeClientMessage(b)
		assert.Equal(t, err, nil)
		return message
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for a client message.")
		return nil
	}
}

func (self *testConn) sendServerMessage(t *testing.T, message ServerMessage) {
	b, err := EncodeServerMessage(message)
	assert.Equal(t, err, nil)
	select {
	case self.serverToClient <- b:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout sending a server message.")
	}
}

func startTestClient(t *testing.T) (*Client, *testTransport, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	transport := newTestTransport()
	settings := DefaultClientSettings()
	settings.ReconnectSettings.MinTimeout = 1 * time.Millisecond
	client := NewClientWithTransport(ctx, transport, settings)
	return client, transport, cancel
}

func TestClientConnectSequence(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	conn := transport.accept(t)

	connect, ok := conn.receiveClientMessage(t).(*ConnectMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, connect.SessionId, client.SessionId())
	assert.Equal(t, connect.ConnectionCount, 0)
	assert.Equal(t, connect.LastCloseReason, "InitialConnect")
	assert.Equal(t, connect.MaxObservedTimestamp, nil)

	sub, err := client.Subscribe("messages:list", nil)
	assert.Equal(t, err, nil)

	modify, ok := conn.receiveClientMessage(t).(*ModifyQuerySetMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, modify.BaseVersion, uint32(0))
	assert.Equal(t, modify.NewVersion, uint32(1))
	assert.Equal(t, len(modify.Added), 1)
	assert.Equal(t, modify.Added[0].Token, sub.Token())
	assert.Equal(t, modify.Added[0].FunctionRef, "messages:list")

	conn.sendServerMessage(t, transitionAt(10, QueryUpdate{
		Token: sub.Token(),
		Value: []Value{"a"},
	}))

	result := <-sub.Updates()
	assert.Equal(t, result.Err, nil)
	assert.Equal(t, result.Value, []Value{"a"})
}

func TestClientDuplicateSubscribeSharesEntry(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	subA, err := client.Subscribe("messages:list", map[string]Value{"channel": "general"})
	assert.Equal(t, err, nil)
	subB, err := client.Subscribe("messages:list", map[string]Value{"channel": "general"})
	assert.Equal(t, err, nil)
	assert.Equal(t, subA.Token(), subB.Token())

	// one shared server subscription
	modify, ok := conn.receiveClientMessage(t).(*ModifyQuerySetMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(modify.Added), 1)

	conn.sendServerMessage(t, transitionAt(10, QueryUpdate{
		Token: subA.Token(),
		Value: "v",
	}))

	resultA := <-subA.Updates()
	assert.Equal(t, resultA.Value, "v")
	resultB := <-subB.Updates()
	assert.Equal(t, resultB.Value, "v")

	// a late subscriber observes the current value immediately, with no
	// network round trip
	subC, err := client.Subscribe("messages:list", map[string]Value{"channel": "general"})
	assert.Equal(t, err, nil)
	resultC := <-subC.Updates()
	assert.Equal(t, resultC.Value, "v")

	// dropping one subscriber does not remove the shared query
	subA.Unsubscribe()
	_, ok = <-subA.Updates()
	assert.Equal(t, ok, false)

	subB.Unsubscribe()
	subC.Unsubscribe()
	modify, ok = conn.receiveClientMessage(t).(*ModifyQuerySetMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(modify.Added), 0)
	assert.Equal(t, modify.Removed, []QueryToken{subA.Token()})
}

func TestClientMutationResolvesOnTransition(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	results := make(chan ApiCallbackResult[Value], 1)
	requestId, err := client.SendMutation("messages:send", map[string]Value{"body": "hi"}, nil, func(result Value, err error) {
		results <- ApiCallbackResult[Value]{Result: result, Error: err}
	})
	assert.Equal(t, err, nil)

	mutation, ok := conn.receiveClientMessage(t).(*MutationMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, mutation.RequestId, requestId)
	assert.Equal(t, mutation.FunctionRef, "messages:send")

	// a successful response alone does not resolve the caller
	conn.sendServerMessage(t, &MutationResponseMessage{
		RequestId: requestId,
		Success:   true,
		Result:    "m1",
		Ts:        10,
	})
	select {
	case <-results:
		t.Fatal("Mutation resolved before its transition.")
	case <-time.After(100 * time.Millisecond):
	}

	// the transition incorporating ts=10 does
	conn.sendServerMessage(t, transitionAt(10))
	select {
	case r := <-results:
		assert.Equal(t, r.Error, nil)
		assert.Equal(t, r.Result, "m1")
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the mutation result.")
	}
}

func TestClientOptimisticUpdate(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	sub, err := client.Subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	conn.receiveClientMessage(t) // ModifyQuerySet

	conn.sendServerMessage(t, transitionAt(10, QueryUpdate{
		Token: sub.Token(),
		Value: []Value{"a"},
	}))
	result := <-sub.Updates()
	assert.Equal(t, result.Value, []Value{"a"})

	opts := &MutationOptions{
		OptimisticUpdate: func(store *OptimisticLocalStore) {
			messages, ok := store.GetQuery("messages:list", nil)
			if !ok {
				return
			}
			store.SetQuery("messages:list", nil, append(messages.([]Value), "b"))
		},
	}
	requestId, err := client.SendMutation("messages:send", map[string]Value{"body": "b"}, opts, nil)
	assert.Equal(t, err, nil)

	// the speculative effect is visible synchronously
	visible, ok := client.ComputeVisible(sub.Token())
	assert.Equal(t, ok, true)
	assert.Equal(t, visible.Value, []Value{"a", "b"})

	// confirmed state is untouched
	confirmed, ok := client.GetResult(sub.Token())
	assert.Equal(t, ok, true)
	assert.Equal(t, confirmed.Value, []Value{"a"})

	result = <-sub.Updates()
	assert.Equal(t, result.Value, []Value{"a", "b"})

	conn.receiveClientMessage(t) // Mutation

	// the server confirms and the incorporating transition carries the
	// real new value. the update retires and confirmed state takes over
	// with no visible flicker.
	conn.sendServerMessage(t, &MutationResponseMessage{
		RequestId: requestId,
		Success:   true,
		Result:    "m1",
		Ts:        20,
	})
	conn.sendServerMessage(t, transitionAt(20, QueryUpdate{
		Token: sub.Token(),
		Value: []Value{"a", "b"},
	}))

	select {
	case result := <-sub.Updates():
		// tolerated: an equal payload may be re-delivered while the
		// optimistic update retires
		assert.Equal(t, result.Value, []Value{"a", "b"})
	case <-time.After(100 * time.Millisecond):
	}

	confirmed, ok = client.GetResult(sub.Token())
	assert.Equal(t, ok, true)
	assert.Equal(t, confirmed.Value, []Value{"a", "b"})
	visible, ok = client.ComputeVisible(sub.Token())
	assert.Equal(t, ok, true)
	assert.Equal(t, visible.Value, []Value{"a", "b"})
}

func TestClientMutationFailureRetiresOptimistic(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	sub, err := client.Subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	conn.receiveClientMessage(t) // ModifyQuerySet

	conn.sendServerMessage(t, transitionAt(10, QueryUpdate{
		Token: sub.Token(),
		Value: []Value{"a"},
	}))
	<-sub.Updates()

	opts := &MutationOptions{
		OptimisticUpdate: func(store *OptimisticLocalStore) {
			store.SetQuery("messages:list", nil, []Value{"a", "b"})
		},
	}
	results := make(chan ApiCallbackResult[Value], 1)
	requestId, err := client.SendMutation("messages:send", nil, opts, func(result Value, err error) {
		results <- ApiCallbackResult[Value]{Result: result, Error: err}
	})
	assert.Equal(t, err, nil)

	result := <-sub.Updates()
	assert.Equal(t, result.Value, []Value{"a", "b"})

	conn.receiveClientMessage(t) // Mutation
	conn.sendServerMessage(t, &MutationResponseMessage{
		RequestId:    requestId,
		ErrorMessage: "not authorized",
	})

	r := <-results
	assert.NotEqual(t, r.Error, nil)
	fnErr, ok := r.Error.(*ServerFunctionError)
	assert.Equal(t, ok, true)
	assert.Equal(t, fnErr.Message, "not authorized")

	// the speculative effect disappears
	result = <-sub.Updates()
	assert.Equal(t, result.Value, []Value{"a"})
}

func TestClientReconnectResync(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	sub, err := client.Subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	conn.receiveClientMessage(t) // ModifyQuerySet

	conn.sendServerMessage(t, transitionAt(10, QueryUpdate{
		Token: sub.Token(),
		Value: []Value{"a"},
	}))
	<-sub.Updates()

	results := make(chan ApiCallbackResult[Value], 1)
	requestId, err := client.SendMutation("messages:send", nil, nil, func(result Value, err error) {
		results <- ApiCallbackResult[Value]{Result: result, Error: err}
	})
	assert.Equal(t, err, nil)
	conn.receiveClientMessage(t) // Mutation

	// the server drops the connection before responding
	conn.Close()

	next := transport.accept(t)

	connect, ok := next.receiveClientMessage(t).(*ConnectMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, connect.SessionId, client.SessionId())
	assert.Equal(t, connect.ConnectionCount, 1)
	assert.NotEqual(t, connect.LastCloseReason, "InitialConnect")
	assert.NotEqual(t, connect.MaxObservedTimestamp, nil)
	assert.Equal(t, *connect.MaxObservedTimestamp, int64(10))

	// the whole query set goes out again against version zero
	modify, ok := next.receiveClientMessage(t).(*ModifyQuerySetMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, modify.BaseVersion, uint32(0))
	assert.Equal(t, modify.NewVersion, uint32(1))
	assert.Equal(t, len(modify.Added), 1)
	assert.Equal(t, modify.Added[0].Token, sub.Token())

	// the unconfirmed mutation is retransmitted with its original id
	mutation, ok := next.receiveClientMessage(t).(*MutationMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, mutation.RequestId, requestId)

	// confirmed reads stayed answerable across the reconnect
	confirmed, ok := client.GetResult(sub.Token())
	assert.Equal(t, ok, true)
	assert.Equal(t, confirmed.Value, []Value{"a"})

	// and the caller's promise survived it
	next.sendServerMessage(t, &MutationResponseMessage{
		RequestId: requestId,
		Success:   true,
		Result:    "m1",
		Ts:        20,
	})
	next.sendServerMessage(t, transitionAt(20))

	select {
	case r := <-results:
		assert.Equal(t, r.Error, nil)
		assert.Equal(t, r.Result, "m1")
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the mutation result.")
	}
}

func TestClientRemountKeepsConfirmedData(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport := newTestTransport()
	settings := DefaultClientSettings()
	// a wide retry delay keeps the connection down while the test churns
	// the subscription
	settings.ReconnectSettings.MinTimeout = 300 * time.Millisecond
	client := NewClientWithTransport(ctx, transport, settings)
	defer client.Close()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	sub, err := client.Subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	conn.receiveClientMessage(t) // ModifyQuerySet

	conn.sendServerMessage(t, transitionAt(10, QueryUpdate{
		Token: sub.Token(),
		Value: []Value{"a"},
	}))
	<-sub.Updates()

	states := make(chan ConnectionState, 8)
	remove := client.AddConnectionStateCallback(func(state ConnectionState) {
		states <- state
	})
	defer remove()

	conn.Close()
	for {
		var state ConnectionState
		select {
		case state = <-states:
		case <-time.After(5 * time.Second):
			t.Fatal("Timeout waiting for the disconnect.")
		}
		if state == ConnectionStateDisconnected {
			break
		}
	}

	// unmount/remount churn with no connection up: the removal never
	// flushes, so it cancels out entirely
	sub.Unsubscribe()
	resub, err := client.Subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, resub.Token(), sub.Token())

	// the new subscriber observes the current value immediately
	select {
	case result := <-resub.Updates():
		assert.Equal(t, result.Err, nil)
		assert.Equal(t, result.Value, []Value{"a"})
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the remount value.")
	}

	// confirmed data survived the churn
	confirmed, ok := client.GetResult(sub.Token())
	assert.Equal(t, ok, true)
	assert.Equal(t, confirmed.Value, []Value{"a"})

	// the fresh session re-adds the query as part of the usual full set
	next := transport.accept(t)
	next.receiveClientMessage(t) // Connect
	modify, ok := next.receiveClientMessage(t).(*ModifyQuerySetMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(modify.Added), 1)
	assert.Equal(t, modify.Added[0].Token, sub.Token())

	// a removal that actually flushes drops the confirmed data with it
	resub.Unsubscribe()
	modify, ok = next.receiveClientMessage(t).(*ModifyQuerySetMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, modify.Removed, []QueryToken{sub.Token()})
	_, ok = client.GetResult(sub.Token())
	assert.Equal(t, ok, false)
}

func TestClientConcurrentMutationOrdering(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	groups := 4
	perGroup := 8
	count := groups * perGroup

	errs := make(chan error, count)
	var wg sync.WaitGroup
	for i := 0; i < groups; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGroup; j++ {
				_, err := client.SendMutation("messages:send", nil, nil, nil)
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.Equal(t, err, nil)
	}

	// transmission order matches id assignment order, ids never repeat
	seen := map[uint64]bool{}
	first := true
	var lastRequestId uint64
	for i := 0; i < count; i++ {
		mutation, ok := conn.receiveClientMessage(t).(*MutationMessage)
		assert.Equal(t, ok, true)
		assert.Equal(t, seen[mutation.RequestId], false)
		seen[mutation.RequestId] = true
		if !first {
			assert.Equal(t, lastRequestId < mutation.RequestId, true)
		}
		first = false
		lastRequestId = mutation.RequestId
	}
}

func TestClientExpiredAuthNotReplayed(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	expired := makeAuthToken(t, map[string]any{
		"sub": "u1",
		"exp": time.Now().Add(-1 * time.Hour).Unix(),
	})

	// the application's explicit update still goes out
	client.SetAuth(expired)
	auth, ok := conn.receiveClientMessage(t).(*UpdateAuthMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, auth.Token, expired)

	// a fresh session does not replay a token that can only be rejected
	conn.Close()
	next := transport.accept(t)
	next.receiveClientMessage(t) // Connect

	client.Subscribe("messages:list", nil)
	message := next.receiveClientMessage(t)
	_, ok = message.(*ModifyQuerySetMessage)
	assert.Equal(t, ok, true)
}

func TestClientAuth(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	client.SetAuth("jwt-1")

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	auth, ok := conn.receiveClientMessage(t).(*UpdateAuthMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, auth.BaseVersion, uint32(0))
	assert.Equal(t, auth.Token, "jwt-1")

	// identity versions increment within a session
	client.SetAuth("jwt-2")
	auth, ok = conn.receiveClientMessage(t).(*UpdateAuthMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, auth.BaseVersion, uint32(1))
	assert.Equal(t, auth.Token, "jwt-2")

	authErrors := make(chan *AuthError, 1)
	remove := client.AddAuthErrorCallback(func(err *AuthError) {
		authErrors <- err
	})
	defer remove()

	conn.sendServerMessage(t, &AuthErrorMessage{
		Message:     "expired token",
		BaseVersion: 1,
	})

	select {
	case err := <-authErrors:
		assert.Equal(t, err.Message, "expired token")
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the auth error.")
	}

	// the rejected token is not replayed on the next connection
	conn.Close()
	next := transport.accept(t)
	next.receiveClientMessage(t) // Connect

	client.Subscribe("messages:list", nil)
	modify, ok := next.receiveClientMessage(t).(*ModifyQuerySetMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(modify.Added), 1)
}

func TestClientFatalError(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	sub, err := client.Subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	conn.receiveClientMessage(t) // ModifyQuerySet

	results := make(chan ApiCallbackResult[Value], 1)
	_, err = client.SendMutation("messages:send", nil, nil, func(result Value, err error) {
		results <- ApiCallbackResult[Value]{Result: result, Error: err}
	})
	assert.Equal(t, err, nil)
	conn.receiveClientMessage(t) // Mutation

	states := make(chan ConnectionState, 8)
	remove := client.AddConnectionStateCallback(func(state ConnectionState) {
		states <- state
	})
	defer remove()

	conn.sendServerMessage(t, &FatalErrorMessage{
		Message: "deployment deleted",
	})

	// every pending request rejects
	select {
	case r := <-results:
		assert.NotEqual(t, r.Error, nil)
		fatal, ok := r.Error.(*FatalError)
		assert.Equal(t, ok, true)
		assert.Equal(t, fatal.Message, "deployment deleted")
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the rejection.")
	}

	select {
	case state := <-states:
		assert.Equal(t, state, ConnectionStatePermanentlyClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the state change.")
	}

	// subscriber channels close
	select {
	case _, ok := <-sub.Updates():
		assert.Equal(t, ok, false)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the subscription close.")
	}

	// subsequent calls fail fast
	_, err = client.Subscribe("messages:list", nil)
	assert.Equal(t, err, ErrClientClosed)
	_, err = client.SendMutation("messages:send", nil, nil, nil)
	assert.Equal(t, err, ErrClientClosed)
	assert.Equal(t, client.ConnectionState(), ConnectionStatePermanentlyClosed)
}

func TestClientQueryOneShot(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	values := make(chan Value, 1)
	go func() {
		value, err := client.Query(context.Background(), "messages:count", nil)
		assert.Equal(t, err, nil)
		values <- value
	}()

	modify, ok := conn.receiveClientMessage(t).(*ModifyQuerySetMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(modify.Added), 1)
	token := modify.Added[0].Token

	conn.sendServerMessage(t, transitionAt(10, QueryUpdate{
		Token: token,
		Value: int64(7),
	}))

	select {
	case value := <-values:
		assert.Equal(t, value, int64(7))
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the query result.")
	}

	// the one-shot subscription is removed afterwards
	modify, ok = conn.receiveClientMessage(t).(*ModifyQuerySetMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, modify.Removed, []QueryToken{token})
}

func TestClientWatchAll(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()
	defer client.Close()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	subA, err := client.Subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	subB, err := client.Subscribe("messages:count", nil)
	assert.Equal(t, err, nil)
	conn.receiveClientMessage(t) // ModifyQuerySet

	watch, remove := client.WatchAll()
	defer remove()

	conn.sendServerMessage(t, transitionAt(10,
		QueryUpdate{Token: subA.Token(), Value: []Value{"a"}},
		QueryUpdate{Token: subB.Token(), Value: int64(1)},
	))

	select {
	case snapshot := <-watch:
		assert.Equal(t, snapshot[subA.Token()].Value, []Value{"a"})
		assert.Equal(t, snapshot[subB.Token()].Value, int64(1))
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the snapshot.")
	}
}

func TestClientClose(t *testing.T) {
	client, transport, cancel := startTestClient(t)
	defer cancel()

	conn := transport.accept(t)
	conn.receiveClientMessage(t) // Connect

	results := make(chan ApiCallbackResult[Value], 1)
	_, err := client.SendMutation("messages:send", nil, nil, func(result Value, err error) {
		results <- ApiCallbackResult[Value]{Result: result, Error: err}
	})
	assert.Equal(t, err, nil)
	conn.receiveClientMessage(t) // Mutation

	client.Close()

	select {
	case r := <-results:
		assert.Equal(t, r.Error, ErrClientClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for the rejection.")
	}

	_, err = client.Subscribe("messages:list", nil)
	assert.Equal(t, err, ErrClientClosed)
}
