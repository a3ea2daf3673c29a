package polymarket

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

var decodeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeFrameTrade(t *testing.T) {
	raw := `{"event_type":"last_trade_price","asset_id":"tok1","market":"0xabc","price":"0.62","size":"3500","side":"buy","timestamp":"1772366400000"}`
	events, err := DecodeFrame(websocket.TextMessage, []byte(raw), decodeNow)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.EventTrade {
		t.Fatalf("events = %+v, want one trade", events)
	}
	tr := events[0].Trade
	if tr.TokenID != "tok1" || tr.Price != 0.62 || tr.Size != 3500 || tr.Side != domain.SideBuy {
		t.Fatalf("trade = %+v", tr)
	}
	if tr.Timestamp != 1772366400000 {
		t.Fatalf("timestamp = %d", tr.Timestamp)
	}
}

func TestDecodeFrameTradeSecondsTimestamp(t *testing.T) {
	raw := `{"event_type":"last_trade_price","asset_id":"tok1","price":"0.62","size":"10","side":"SELL","timestamp":"1772366400"}`
	events, err := DecodeFrame(websocket.TextMessage, []byte(raw), decodeNow)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if got := events[0].Trade.Timestamp; got != 1772366400000 {
		t.Fatalf("timestamp = %d, want 1772366400000", got)
	}
}

func TestDecodeFrameTradeMissingTimestampUsesNow(t *testing.T) {
	raw := `{"event_type":"last_trade_price","asset_id":"tok1","price":"0.62","size":"10","side":"SELL"}`
	events, err := DecodeFrame(websocket.TextMessage, []byte(raw), decodeNow)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if got := events[0].Trade.Timestamp; got != decodeNow.UnixMilli() {
		t.Fatalf("timestamp = %d, want now", got)
	}
}

func TestDecodeFrameBookDropsOutOfRangeLevels(t *testing.T) {
	raw := `{"event_type":"book","asset_id":"tok1",` +
		`"bids":[{"price":"0.48","size":"4"},{"price":"1.2","size":"50"},{"price":"-0.1","size":"8"}],` +
		`"asks":[{"price":"0.52","size":"10"},{"price":"1.4","size":"9999"}],"timestamp":"1772366400000"}`
	events, err := DecodeFrame(websocket.TextMessage, []byte(raw), decodeNow)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	book := events[0].Book
	if len(book.Bids) != 1 || book.Bids[0].Price != 0.48 {
		t.Errorf("bids = %+v, want only 0.48", book.Bids)
	}
	if len(book.Asks) != 1 || book.Asks[0].Price != 0.52 {
		t.Errorf("asks = %+v, want only 0.52", book.Asks)
	}
}

func TestDecodeFrameBatchedArray(t *testing.T) {
	raw := `[
		{"event_type":"book","asset_id":"tok1","bids":[{"price":"0.40","size":"10"},{"price":"0.45","size":"5"}],"asks":[{"price":"0.55","size":"7"},{"price":"0.50","size":"2"}],"timestamp":"1772366400000"},
		{"event_type":"price_change","market":"0xabc","price_changes":[{"asset_id":"tok1","price":"0.47","size":"12","side":"BUY"},{"asset_id":"tok2","price":"0.53","size":"4","side":"SELL"}],"timestamp":"1772366400500"},
		{"event_type":"tick_size_change","asset_id":"tok1"}
	]`
	events, err := DecodeFrame(websocket.TextMessage, []byte(raw), decodeNow)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}

	book := events[0].Book
	if events[0].Kind != domain.EventBook || book == nil {
		t.Fatalf("first event = %+v, want book", events[0])
	}
	if bb, _ := book.BestBid(); bb.Price != 0.45 {
		t.Errorf("best bid = %v, want 0.45", bb.Price)
	}
	if ba, _ := book.BestAsk(); ba.Price != 0.50 {
		t.Errorf("best ask = %v, want 0.50", ba.Price)
	}
	if book.Source != domain.BookSourceStream {
		t.Errorf("source = %q", book.Source)
	}

	if events[1].Kind != domain.EventPriceChange || events[1].Change.TokenID != "tok1" {
		t.Errorf("second event = %+v", events[1])
	}
	if events[2].Change.TokenID != "tok2" || events[2].Change.Side != domain.SideSell {
		t.Errorf("third event = %+v", events[2].Change)
	}
	if events[3].Kind != domain.EventUnknown || events[3].RawType != "tick_size_change" {
		t.Errorf("fourth event = %+v, want unknown", events[3])
	}
}

func TestDecodeFrameBinary(t *testing.T) {
	v, err := structpb.NewValue(map[string]any{
		"event_type": "last_trade_price",
		"asset_id":   "tok9",
		"price":      0.15,
		"size":       20000.0,
		"side":       "SELL",
		"timestamp":  1772366400000.0,
	})
	if err != nil {
		t.Fatalf("NewValue: %v", err)
	}
	data, err := proto.Marshal(v)
	if err != nil {
		t.Fatalf("proto.Marshal: %v", err)
	}

	events, err := DecodeFrame(websocket.BinaryMessage, data, decodeNow)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(events) != 1 || events[0].Trade == nil {
		t.Fatalf("events = %+v, want one trade", events)
	}
	if got := events[0].Trade; got.Price != 0.15 || got.Size != 20000 || got.Side != domain.SideSell {
		t.Fatalf("trade = %+v", got)
	}
}

func TestDecodeFrameIgnoresKeepAlive(t *testing.T) {
	for _, raw := range []string{"PONG", "", "   "} {
		events, err := DecodeFrame(websocket.TextMessage, []byte(raw), decodeNow)
		if err != nil || len(events) != 0 {
			t.Errorf("DecodeFrame(%q) = %v, %v; want nothing", raw, events, err)
		}
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	tests := []struct {
		name    string
		msgType int
		data    []byte
	}{
		{"broken object", websocket.TextMessage, []byte(`{"event_type":`)},
		{"broken array", websocket.TextMessage, []byte(`[{"event_type":"book"}`)},
		{"bad price", websocket.TextMessage, []byte(`{"event_type":"last_trade_price","price":"abc"}`)},
		{"nan price", websocket.TextMessage, []byte(`{"event_type":"last_trade_price","price":"NaN","size":"1","side":"BUY"}`)},
		{"infinite size", websocket.TextMessage, []byte(`{"event_type":"last_trade_price","price":"0.5","size":"Inf","side":"BUY"}`)},
		{"nan book level", websocket.TextMessage, []byte(`{"event_type":"book","asset_id":"tok1","bids":[{"price":"NaN","size":"3"}]}`)},
		{"binary garbage", websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.msgType, tt.data, decodeNow)
			if !errors.Is(err, domain.ErrMalformedResponse) {
				t.Fatalf("err = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestMillisToTime(t *testing.T) {
	if got := millisToTime(0, decodeNow); !got.Equal(decodeNow) {
		t.Errorf("zero = %v, want now", got)
	}
	if got := millisToTime(1772366400, decodeNow); got.Unix() != 1772366400 {
		t.Errorf("seconds = %v", got)
	}
	if got := millisToTime(1772366400123, decodeNow); got.UnixMilli() != 1772366400123 {
		t.Errorf("millis = %v", got)
	}
}
