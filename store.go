package liveq

import (
	"reflect"
)

// the result of one subscribed query. `Err` is a `*ServerFunctionError`
// when the server reports that the query errored; the failure is stored and
// surfaced verbatim, never thrown inside the store.
type FunctionResult struct {
	Value Value
	Err   error
}

func (self FunctionResult) equals(other FunctionResult) bool {
	if (self.Err == nil) != (other.Err == nil) {
		return false
	}
	if self.Err != nil {
		return self.Err.Error() == other.Err.Error()
	}
	return reflect.DeepEqual(self.Value, other.Value)
}

// server-confirmed query results at the latest applied transition version.
// optimistic layering lives in `optimisticQueue`; this store holds only
// what the server has confirmed.
//
// all methods must be called while holding the client state lock.
type queryStore struct {
	confirmed map[QueryToken]FunctionResult
	version   StateVersion
}

func newQueryStore() *queryStore {
	return &queryStore{
		confirmed: map[QueryToken]FunctionResult{},
	}
}

// missing ok means no data yet ("loading")
func (self *queryStore) get(token QueryToken) (FunctionResult, bool) {
	result, ok := self.confirmed[token]
	return result, ok
}

func (self *queryStore) drop(token QueryToken) {
	delete(self.confirmed, token)
}

func (self *queryStore) snapshot() map[QueryToken]FunctionResult {
	confirmed := make(map[QueryToken]FunctionResult, len(self.confirmed))
	for token, result := range self.confirmed {
		confirmed[token] = result
	}
	return confirmed
}

// merges a server transition into the confirmed view and advances each
// affected entry's journal. Updates for tokens no longer in the registry
// are dropped; an in-flight update for a query unsubscribed moments ago is
// expected, not an error. Returns the tokens whose confirmed result
// actually changed.
func (self *queryStore) applyTransition(registry *queryRegistry, message *TransitionMessage) ([]QueryToken, error) {
	if message.EndVersion.Ts < self.version.Ts {
		return nil, newProtocolError("transition timestamp moved backwards", nil)
	}

	changed := []QueryToken{}
	for _, update := range message.QueryUpdates {
		entry := registry.lookup(update.Token)
		if entry == nil {
			continue
		}
		if update.Journal != nil {
			entry.journal = update.Journal
		}

		result := FunctionResult{}
		if update.Failed {
			result.Err = &ServerFunctionError{
				FunctionRef: entry.functionRef,
				Message:     update.ErrorMessage,
			}
		} else {
			result.Value = update.Value
		}

		previous, ok := self.confirmed[update.Token]
		if ok && previous.equals(result) {
			// unchanged payload. the journal advanced above, but
			// subscribers are not re-notified.
			continue
		}
		self.confirmed[update.Token] = result
		changed = append(changed, update.Token)
	}

	self.version = message.EndVersion
	return changed, nil
}

// forgets the transition version on reconnect. Confirmed results are kept
// so reads stay answerable while the fresh session resynchronizes.
func (self *queryStore) resetVersion() {
	self.version = StateVersion{}
}
