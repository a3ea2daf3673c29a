package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// DecodeFrame turns one websocket frame into stream events. Text frames hold
// a JSON object or an array of objects; binary frames hold a protobuf
// google.protobuf.Value carrying the same structure. Keep-alive replies such
// as "PONG" decode to no events.
func DecodeFrame(msgType int, data []byte, now time.Time) ([]domain.StreamEvent, error) {
	if msgType == websocket.BinaryMessage {
		var v structpb.Value
		if err := proto.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("polymarket/ws: %w: binary frame: %v", domain.ErrMalformedResponse, err)
		}
		js, err := json.Marshal(v.AsInterface())
		if err != nil {
			return nil, fmt.Errorf("polymarket/ws: %w: binary frame: %v", domain.ErrMalformedResponse, err)
		}
		data = js
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var msgs []WSMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("polymarket/ws: %w: %v (data: %s)", domain.ErrMalformedResponse, err, truncate(data, 100))
		}
	case '{':
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("polymarket/ws: %w: %v (data: %s)", domain.ErrMalformedResponse, err, truncate(data, 100))
		}
		msgs = []WSMessage{msg}
	default:
		return nil, nil
	}

	var out []domain.StreamEvent
	for i := range msgs {
		out = append(out, msgs[i].ToEvents(now)...)
	}
	return out, nil
}

func truncate(data []byte, maxLen int) string {
	if len(data) <= maxLen {
		return string(data)
	}
	return string(data[:maxLen]) + "..."
}
