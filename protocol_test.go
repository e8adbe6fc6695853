package liveq

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"
)

func TestConnectMessageCodec(t *testing.T) {
	ts := int64(1 << 60)
	message := &ConnectMessage{
		SessionId:            uuid.New(),
		ConnectionCount:      3,
		LastCloseReason:      "ReceiveError: eof",
		MaxObservedTimestamp: &ts,
	}

	b, err := EncodeClientMessage(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeClientMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)

	// the initial connect has no observed timestamp
	message = &ConnectMessage{
		SessionId:       uuid.New(),
		LastCloseReason: "InitialConnect",
	}
	b, err = EncodeClientMessage(message)
	assert.Equal(t, err, nil)
	decoded, err = DecodeClientMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestModifyQuerySetMessageCodec(t *testing.T) {
	journal := "cursor-1"
	token, err := NewQueryToken("messages:list", nil)
	assert.Equal(t, err, nil)
	removedToken, err := NewQueryToken("messages:count", nil)
	assert.Equal(t, err, nil)

	message := &ModifyQuerySetMessage{
		BaseVersion: 4,
		NewVersion:  5,
		Added: []QuerySetEntry{
			{
				Token:       token,
				FunctionRef: "messages:list",
				Args: map[string]Value{
					"channel": "general",
					"limit":   int64(50),
				},
				Journal: &journal,
			},
		},
		Removed: []QueryToken{removedToken},
	}

	b, err := EncodeClientMessage(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeClientMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestMutationMessageCodec(t *testing.T) {
	message := &MutationMessage{
		RequestId:   7,
		FunctionRef: "messages:send",
		Args: map[string]Value{
			"body": "hello",
		},
	}

	b, err := EncodeClientMessage(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeClientMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestActionMessageCodec(t *testing.T) {
	message := &ActionMessage{
		RequestId:   8,
		FunctionRef: "emails:send",
		Args:        map[string]Value{},
	}

	b, err := EncodeClientMessage(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeClientMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestUpdateAuthMessageCodec(t *testing.T) {
	message := &UpdateAuthMessage{
		BaseVersion: 2,
		Token:       "jwt",
	}

	b, err := EncodeClientMessage(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeClientMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestTransitionMessageCodec(t *testing.T) {
	journal := "cursor-2"
	message := &TransitionMessage{
		StartVersion: StateVersion{QuerySet: 1, Identity: 0, Ts: 100},
		EndVersion:   StateVersion{QuerySet: 1, Identity: 0, Ts: 1 << 60},
		QueryUpdates: []QueryUpdate{
			{
				Token:   QueryToken("a"),
				Value:   []Value{"x", int64(1)},
				Journal: &journal,
			},
			{
				Token:        QueryToken("b"),
				Failed:       true,
				ErrorMessage: "division by zero",
			},
		},
	}

	b, err := EncodeServerMessage(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeServerMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestMutationResponseMessageCodec(t *testing.T) {
	message := &MutationResponseMessage{
		RequestId: 7,
		Success:   true,
		Result:    map[string]Value{"id": "m1"},
		Ts:        1 << 61,
	}

	b, err := EncodeServerMessage(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeServerMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)

	message = &MutationResponseMessage{
		RequestId:    7,
		ErrorMessage: "not authorized",
	}
	b, err = EncodeServerMessage(message)
	assert.Equal(t, err, nil)
	decoded, err = DecodeServerMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestActionResponseMessageCodec(t *testing.T) {
	message := &ActionResponseMessage{
		RequestId: 9,
		Success:   true,
		Result:    "ok",
	}

	b, err := EncodeServerMessage(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeServerMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestAuthErrorMessageCodec(t *testing.T) {
	message := &AuthErrorMessage{
		Message:     "expired token",
		BaseVersion: 1,
	}

	b, err := EncodeServerMessage(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeServerMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestFatalAndPingMessageCodec(t *testing.T) {
	fatal := &FatalErrorMessage{
		Message: "deployment deleted",
	}
	b, err := EncodeServerMessage(fatal)
	assert.Equal(t, err, nil)
	decoded, err := DecodeServerMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, fatal)

	b, err = EncodeServerMessage(&PingMessage{})
	assert.Equal(t, err, nil)
	decoded, err = DecodeServerMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, &PingMessage{})
}

func TestDecodeUnknownMessage(t *testing.T) {
	_, err := DecodeServerMessage([]byte(`{"type": "Telemetry"}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeServerMessage([]byte(`not json`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeClientMessage([]byte(`{"requestId": 1}`))
	assert.NotEqual(t, err, nil)
}
