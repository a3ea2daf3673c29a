package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds the websocket upgrade.
	handshakeTimeout = 15 * time.Second
)

// StreamConn is one websocket connection to the CLOB market channel. Reads
// must come from a single goroutine; writes are serialised internally.
type StreamConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// DialStream connects to the market channel at wsURL.
//
// wsURL is the CLOB WebSocket endpoint, e.g. "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func DialStream(ctx context.Context, wsURL string) (*StreamConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: connect: %w", err)
	}
	return &StreamConn{conn: conn}, nil
}

// Subscribe sends the initial subscription for tokenIDs.
func (s *StreamConn) Subscribe(tokenIDs []string) error {
	return s.writeJSON(SubscribeMessage{AssetsIDs: tokenIDs, Type: "market"})
}

// AddTokens subscribes additional tokens on the open connection.
func (s *StreamConn) AddTokens(tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	return s.writeJSON(UpdateMessage{AssetsIDs: tokenIDs, Operation: "subscribe"})
}

// RemoveTokens unsubscribes tokens on the open connection.
func (s *StreamConn) RemoveTokens(tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	return s.writeJSON(UpdateMessage{AssetsIDs: tokenIDs, Operation: "unsubscribe"})
}

// Ping sends a websocket ping control frame.
func (s *StreamConn) Ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("polymarket/ws: ping: %w", err)
	}
	return nil
}

// Read blocks for the next frame and decodes it into stream events.
// Malformed frames are reported with domain.ErrMalformedResponse and leave
// the connection usable; any other error means the connection is gone.
func (s *StreamConn) Read(now func() time.Time) ([]domain.StreamEvent, error) {
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: read: %w: %v", domain.ErrWSDisconnect, err)
	}
	return DecodeFrame(msgType, data, now())
}

// Close sends a close frame and closes the socket. It is safe to call more
// than once and from any goroutine.
func (s *StreamConn) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *StreamConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal command: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/ws: write: %w", err)
	}
	return nil
}
