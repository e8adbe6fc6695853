package liveq

import (
	"fmt"

	"github.com/google/uuid"
)

// wire message kinds. Each physical frame is a JSON envelope
// `{"type": "...", ...}`. Integers wider than 53 bits (timestamps) are
// carried in the lossless `$integer` form, never as native JSON numbers.

// the state the server's view of this session is predicated on.
// `Ts` is the 64-bit transition timestamp.
type StateVersion struct {
	QuerySet uint32
	Identity uint32
	Ts       int64
}

type ClientMessage interface {
	clientMessageType() string
}

type ServerMessage interface {
	serverMessageType() string
}

// client -> server

type ConnectMessage struct {
	SessionId            uuid.UUID
	ConnectionCount      int
	LastCloseReason      string
	MaxObservedTimestamp *int64
}

type QuerySetEntry struct {
	Token       QueryToken
	FunctionRef string
	Args        map[string]Value
	// opaque continuation for incremental resync
	Journal *string
}

type ModifyQuerySetMessage struct {
	BaseVersion uint32
	NewVersion  uint32
	Added       []QuerySetEntry
	Removed     []QueryToken
}

type MutationMessage struct {
	RequestId   uint64
	FunctionRef string
	Args        map[string]Value
}

type ActionMessage struct {
	RequestId   uint64
	FunctionRef string
	Args        map[string]Value
}

type UpdateAuthMessage struct {
	BaseVersion uint32
	// empty token means logged out
	Token string
}

func (self *ConnectMessage) clientMessageType() string        { return "Connect" }
func (self *ModifyQuerySetMessage) clientMessageType() string { return "ModifyQuerySet" }
func (self *MutationMessage) clientMessageType() string       { return "Mutation" }
func (self *ActionMessage) clientMessageType() string         { return "Action" }
func (self *UpdateAuthMessage) clientMessageType() string     { return "UpdateAuth" }

// server -> client

type QueryUpdate struct {
	Token        QueryToken
	Value        Value
	ErrorMessage string
	Failed       bool
	Journal      *string
}

type TransitionMessage struct {
	StartVersion StateVersion
	EndVersion   StateVersion
	QueryUpdates []QueryUpdate
}

type MutationResponseMessage struct {
	RequestId    uint64
	Success      bool
	Result       Value
	ErrorMessage string
	// the timestamp whose transition incorporates this mutation's effects.
	// only meaningful on success.
	Ts int64
}

type ActionResponseMessage struct {
	RequestId    uint64
	Success      bool
	Result       Value
	ErrorMessage string
}

type AuthErrorMessage struct {
	Message     string
	BaseVersion uint32
}

type FatalErrorMessage struct {
	Message string
}

type PingMessage struct{}

func (self *TransitionMessage) serverMessageType() string       { return "Transition" }
func (self *MutationResponseMessage) serverMessageType() string { return "MutationResponse" }
func (self *ActionResponseMessage) serverMessageType() string   { return "ActionResponse" }
func (self *AuthErrorMessage) serverMessageType() string        { return "AuthError" }
func (self *FatalErrorMessage) serverMessageType() string       { return "FatalError" }
func (self *PingMessage) serverMessageType() string             { return "Ping" }

func EncodeClientMessage(message ClientMessage) ([]byte, error) {
	envelope := map[string]any{
		"type": message.clientMessageType(),
	}
	switch v := message.(type) {
	case *ConnectMessage:
		envelope["sessionId"] = v.SessionId.String()
		envelope["connectionCount"] = v.ConnectionCount
		envelope["lastCloseReason"] = v.LastCloseReason
		if v.MaxObservedTimestamp != nil {
			envelope["maxObservedTimestamp"] = map[string]any{
				integerEscapeKey: encodeInt64(*v.MaxObservedTimestamp),
			}
		}
	case *ModifyQuerySetMessage:
		envelope["baseVersion"] = v.BaseVersion
		envelope["newVersion"] = v.NewVersion
		added := make([]any, len(v.Added))
		for i, entry := range v.Added {
			wireArgs, err := valueToWire(normalizeArgs(entry.Args), "args")
			if err != nil {
				return nil, err
			}
			wireEntry := map[string]any{
				"token":       string(entry.Token),
				"functionRef": entry.FunctionRef,
				"args":        wireArgs,
			}
			if entry.Journal != nil {
				wireEntry["journal"] = *entry.Journal
			}
			added[i] = wireEntry
		}
		envelope["added"] = added
		removed := make([]any, len(v.Removed))
		for i, token := range v.Removed {
			removed[i] = string(token)
		}
		envelope["removed"] = removed
	case *MutationMessage:
		wireArgs, err := valueToWire(normalizeArgs(v.Args), "args")
		if err != nil {
			return nil, err
		}
		envelope["requestId"] = v.RequestId
		envelope["functionRef"] = v.FunctionRef
		envelope["args"] = wireArgs
	case *ActionMessage:
		wireArgs, err := valueToWire(normalizeArgs(v.Args), "args")
		if err != nil {
			return nil, err
		}
		envelope["requestId"] = v.RequestId
		envelope["functionRef"] = v.FunctionRef
		envelope["args"] = wireArgs
	case *UpdateAuthMessage:
		envelope["baseVersion"] = v.BaseVersion
		envelope["token"] = v.Token
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	return wireJson.Marshal(envelope)
}

func DecodeClientMessage(b []byte) (ClientMessage, error) {
	envelope := map[string]any{}
	if err := wireJson.Unmarshal(b, &envelope); err != nil {
		return nil, newProtocolError("malformed message", err)
	}
	messageType, err := envelopeString(envelope, "type")
	if err != nil {
		return nil, err
	}
	switch messageType {
	case "Connect":
		sessionIdStr, err := envelopeString(envelope, "sessionId")
		if err != nil {
			return nil, err
		}
		sessionId, err := uuid.Parse(sessionIdStr)
		if err != nil {
			return nil, newProtocolError("malformed sessionId", err)
		}
		connectionCount, err := envelopeInt(envelope, "connectionCount")
		if err != nil {
			return nil, err
		}
		lastCloseReason, err := envelopeString(envelope, "lastCloseReason")
		if err != nil {
			return nil, err
		}
		message := &ConnectMessage{
			SessionId:       sessionId,
			ConnectionCount: connectionCount,
			LastCloseReason: lastCloseReason,
		}
		if encoded, ok := envelope["maxObservedTimestamp"]; ok {
			ts, err := envelopeInt64(encoded)
			if err != nil {
				return nil, err
			}
			message.MaxObservedTimestamp = &ts
		}
		return message, nil
	case "ModifyQuerySet":
		baseVersion, err := envelopeInt(envelope, "baseVersion")
		if err != nil {
			return nil, err
		}
		newVersion, err := envelopeInt(envelope, "newVersion")
		if err != nil {
			return nil, err
		}
		message := &ModifyQuerySetMessage{
			BaseVersion: uint32(baseVersion),
			NewVersion:  uint32(newVersion),
		}
		wireAdded, _ := envelope["added"].([]any)
		for _, wireEntryRaw := range wireAdded {
			wireEntry, ok := wireEntryRaw.(map[string]any)
			if !ok {
				return nil, newProtocolError("malformed added entry", nil)
			}
			token, err := envelopeString(wireEntry, "token")
			if err != nil {
				return nil, err
			}
			functionRef, err := envelopeString(wireEntry, "functionRef")
			if err != nil {
				return nil, err
			}
			args, err := envelopeArgs(wireEntry["args"])
			if err != nil {
				return nil, err
			}
			entry := QuerySetEntry{
				Token:       QueryToken(token),
				FunctionRef: functionRef,
				Args:        args,
			}
			if journalRaw, ok := wireEntry["journal"]; ok {
				journal, ok := journalRaw.(string)
				if !ok {
					return nil, newProtocolError("malformed journal", nil)
				}
				entry.Journal = &journal
			}
			message.Added = append(message.Added, entry)
		}
		wireRemoved, _ := envelope["removed"].([]any)
		for _, wireTokenRaw := range wireRemoved {
			wireToken, ok := wireTokenRaw.(string)
			if !ok {
				return nil, newProtocolError("malformed removed entry", nil)
			}
			message.Removed = append(message.Removed, QueryToken(wireToken))
		}
		return message, nil
	case "Mutation", "Action":
		requestId, err := envelopeInt(envelope, "requestId")
		if err != nil {
			return nil, err
		}
		functionRef, err := envelopeString(envelope, "functionRef")
		if err != nil {
			return nil, err
		}
		args, err := envelopeArgs(envelope["args"])
		if err != nil {
			return nil, err
		}
		if messageType == "Mutation" {
			return &MutationMessage{
				RequestId:   uint64(requestId),
				FunctionRef: functionRef,
				Args:        args,
			}, nil
		}
		return &ActionMessage{
			RequestId:   uint64(requestId),
			FunctionRef: functionRef,
			Args:        args,
		}, nil
	case "UpdateAuth":
		baseVersion, err := envelopeInt(envelope, "baseVersion")
		if err != nil {
			return nil, err
		}
		token, err := envelopeString(envelope, "token")
		if err != nil {
			return nil, err
		}
		return &UpdateAuthMessage{
			BaseVersion: uint32(baseVersion),
			Token:       token,
		}, nil
	default:
		return nil, newProtocolError(fmt.Sprintf("unknown message type %s", messageType), nil)
	}
}

func EncodeServerMessage(message ServerMessage) ([]byte, error) {
	envelope := map[string]any{
		"type": message.serverMessageType(),
	}
	switch v := message.(type) {
	case *TransitionMessage:
		envelope["startVersion"] = encodeStateVersion(v.StartVersion)
		envelope["endVersion"] = encodeStateVersion(v.EndVersion)
		queryUpdates := make([]any, len(v.QueryUpdates))
		for i, update := range v.QueryUpdates {
			wireUpdate := map[string]any{
				"token": string(update.Token),
			}
			if update.Failed {
				wireUpdate["errorMessage"] = update.ErrorMessage
			} else {
				wireValue, err := valueToWire(update.Value, "value")
				if err != nil {
					return nil, err
				}
				wireUpdate["value"] = wireValue
			}
			if update.Journal != nil {
				wireUpdate["journal"] = *update.Journal
			}
			queryUpdates[i] = wireUpdate
		}
		envelope["queryUpdates"] = queryUpdates
	case *MutationResponseMessage:
		envelope["requestId"] = v.RequestId
		envelope["success"] = v.Success
		if v.Success {
			wireResult, err := valueToWire(v.Result, "result")
			if err != nil {
				return nil, err
			}
			envelope["result"] = wireResult
			envelope["ts"] = map[string]any{integerEscapeKey: encodeInt64(v.Ts)}
		} else {
			envelope["errorMessage"] = v.ErrorMessage
		}
	case *ActionResponseMessage:
		envelope["requestId"] = v.RequestId
		envelope["success"] = v.Success
		if v.Success {
			wireResult, err := valueToWire(v.Result, "result")
			if err != nil {
				return nil, err
			}
			envelope["result"] = wireResult
		} else {
			envelope["errorMessage"] = v.ErrorMessage
		}
	case *AuthErrorMessage:
		envelope["message"] = v.Message
		envelope["baseVersion"] = v.BaseVersion
	case *FatalErrorMessage:
		envelope["message"] = v.Message
	case *PingMessage:
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	return wireJson.Marshal(envelope)
}

func DecodeServerMessage(b []byte) (ServerMessage, error) {
	envelope := map[string]any{}
	if err := wireJson.Unmarshal(b, &envelope); err != nil {
		return nil, newProtocolError("malformed message", err)
	}
	messageType, err := envelopeString(envelope, "type")
	if err != nil {
		return nil, err
	}
	switch messageType {
	case "Transition":
		startVersion, err := decodeStateVersion(envelope["startVersion"])
		if err != nil {
			return nil, err
		}
		endVersion, err := decodeStateVersion(envelope["endVersion"])
		if err != nil {
			return nil, err
		}
		message := &TransitionMessage{
			StartVersion: startVersion,
			EndVersion:   endVersion,
		}
		wireUpdates, _ := envelope["queryUpdates"].([]any)
		for _, wireUpdateRaw := range wireUpdates {
			wireUpdate, ok := wireUpdateRaw.(map[string]any)
			if !ok {
				return nil, newProtocolError("malformed query update", nil)
			}
			token, err := envelopeString(wireUpdate, "token")
			if err != nil {
				return nil, err
			}
			update := QueryUpdate{
				Token: QueryToken(token),
			}
			if errorMessageRaw, ok := wireUpdate["errorMessage"]; ok {
				errorMessage, ok := errorMessageRaw.(string)
				if !ok {
					return nil, newProtocolError("malformed errorMessage", nil)
				}
				update.Failed = true
				update.ErrorMessage = errorMessage
			} else {
				value, err := valueFromWire(wireUpdate["value"])
				if err != nil {
					return nil, newProtocolError("malformed value", err)
				}
				update.Value = value
			}
			if journalRaw, ok := wireUpdate["journal"]; ok {
				journal, ok := journalRaw.(string)
				if !ok {
					return nil, newProtocolError("malformed journal", nil)
				}
				update.Journal = &journal
			}
			message.QueryUpdates = append(message.QueryUpdates, update)
		}
		return message, nil
	case "MutationResponse":
		requestId, err := envelopeInt(envelope, "requestId")
		if err != nil {
			return nil, err
		}
		success, _ := envelope["success"].(bool)
		message := &MutationResponseMessage{
			RequestId: uint64(requestId),
			Success:   success,
		}
		if success {
			result, err := valueFromWire(envelope["result"])
			if err != nil {
				return nil, newProtocolError("malformed result", err)
			}
			message.Result = result
			ts, err := envelopeInt64(envelope["ts"])
			if err != nil {
				return nil, err
			}
			message.Ts = ts
		} else {
			message.ErrorMessage, err = envelopeString(envelope, "errorMessage")
			if err != nil {
				return nil, err
			}
		}
		return message, nil
	case "ActionResponse":
		requestId, err := envelopeInt(envelope, "requestId")
		if err != nil {
			return nil, err
		}
		success, _ := envelope["success"].(bool)
		message := &ActionResponseMessage{
			RequestId: uint64(requestId),
			Success:   success,
		}
		if success {
			result, err := valueFromWire(envelope["result"])
			if err != nil {
				return nil, newProtocolError("malformed result", err)
			}
			message.Result = result
		} else {
			message.ErrorMessage, err = envelopeString(envelope, "errorMessage")
			if err != nil {
				return nil, err
			}
		}
		return message, nil
	case "AuthError":
		message, err := envelopeString(envelope, "message")
		if err != nil {
			return nil, err
		}
		baseVersion, err := envelopeInt(envelope, "baseVersion")
		if err != nil {
			return nil, err
		}
		return &AuthErrorMessage{
			Message:     message,
			BaseVersion: uint32(baseVersion),
		}, nil
	case "FatalError":
		message, err := envelopeString(envelope, "message")
		if err != nil {
			return nil, err
		}
		return &FatalErrorMessage{
			Message: message,
		}, nil
	case "Ping":
		return &PingMessage{}, nil
	default:
		return nil, newProtocolError(fmt.Sprintf("unknown message type %s", messageType), nil)
	}
}

func encodeStateVersion(version StateVersion) map[string]any {
	return map[string]any{
		"querySet": version.QuerySet,
		"identity": version.Identity,
		"ts":       map[string]any{integerEscapeKey: encodeInt64(version.Ts)},
	}
}

func decodeStateVersion(wire any) (StateVersion, error) {
	wireVersion, ok := wire.(map[string]any)
	if !ok {
		return StateVersion{}, newProtocolError("malformed state version", nil)
	}
	querySet, err := envelopeInt(wireVersion, "querySet")
	if err != nil {
		return StateVersion{}, err
	}
	identity, err := envelopeInt(wireVersion, "identity")
	if err != nil {
		return StateVersion{}, err
	}
	ts, err := envelopeInt64(wireVersion["ts"])
	if err != nil {
		return StateVersion{}, err
	}
	return StateVersion{
		QuerySet: uint32(querySet),
		Identity: uint32(identity),
		Ts:       ts,
	}, nil
}

func envelopeString(envelope map[string]any, key string) (string, error) {
	v, ok := envelope[key].(string)
	if !ok {
		return "", newProtocolError(fmt.Sprintf("missing or malformed %s", key), nil)
	}
	return v, nil
}

func envelopeInt(envelope map[string]any, key string) (int, error) {
	v, ok := envelope[key].(float64)
	if !ok {
		return 0, newProtocolError(fmt.Sprintf("missing or malformed %s", key), nil)
	}
	return int(v), nil
}

// decodes an `$integer` escape carried inside a message envelope
func envelopeInt64(wire any) (int64, error) {
	wireEscape, ok := wire.(map[string]any)
	if !ok {
		return 0, newProtocolError("missing or malformed integer", nil)
	}
	encoded, ok := wireEscape[integerEscapeKey]
	if !ok {
		return 0, newProtocolError("missing or malformed integer", nil)
	}
	v, err := decodeInt64(encoded)
	if err != nil {
		return 0, newProtocolError("malformed integer", err)
	}
	return v, nil
}

func envelopeArgs(wire any) (map[string]Value, error) {
	value, err := valueFromWire(wire)
	if err != nil {
		return nil, newProtocolError("malformed args", err)
	}
	args, ok := value.(map[string]Value)
	if !ok {
		return nil, newProtocolError("malformed args", nil)
	}
	return args, nil
}
