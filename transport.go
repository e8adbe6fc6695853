package liveq

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// one physical connection attempt at a time. The client owns the
// connect/authenticate/reconnect state machine; a `Transport` only dials
// and moves frames.
type Transport interface {
	Dial(ctx context.Context) (TransportConn, error)
}

type TransportConn interface {
	Send(message []byte) error
	// blocks for the next message. An error means the transport is dead
	// and the connection generation is over.
	Receive() ([]byte, error)
	// keepalive frame, sent when the outgoing side is idle
	Ping() error
	Close()
}

type WebSocketTransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// no liveness signal within this window forces a reconnect
	ReadTimeout time.Duration
}

func DefaultWebSocketTransportSettings() *WebSocketTransportSettings {
	return &WebSocketTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type WebSocketTransport struct {
	syncUrl  string
	settings *WebSocketTransportSettings
}

func NewWebSocketTransportWithDefaults(syncUrl string) *WebSocketTransport {
	return NewWebSocketTransport(syncUrl, DefaultWebSocketTransportSettings())
}

func NewWebSocketTransport(syncUrl string, settings *WebSocketTransportSettings) *WebSocketTransport {
	return &WebSocketTransport{
		syncUrl:  syncUrl,
		settings: settings,
	}
}

func (self *WebSocketTransport) Dial(ctx context.Context) (TransportConn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.syncUrl, nil)
	if err != nil {
		return nil, err
	}
	return &webSocketConn{
		ws:       ws,
		settings: self.settings,
	}, nil
}

type webSocketConn struct {
	ws       *websocket.Conn
	settings *WebSocketTransportSettings
}

func (self *webSocketConn) Send(message []byte) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.BinaryMessage, message)
}

func (self *webSocketConn) Ping() error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0))
}

func (self *webSocketConn) Receive() ([]byte, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if len(message) == 0 {
				// keepalive
				glog.V(2).Infof("[tr]ping<-\n")
				continue
			}
			return message, nil
		default:
			glog.V(2).Infof("[tr]other=%d<-\n", messageType)
		}
	}
}

func (self *webSocketConn) Close() {
	self.ws.Close()
}

// converts a deployment url to the websocket sync endpoint
func DeploymentSyncUrl(deploymentUrl string) (string, error) {
	u, err := url.Parse(deploymentUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("Unknown scheme %s. Expected http or https.", u.Scheme)
	}
	u.Path = "/api/sync"
	return u.String(), nil
}
