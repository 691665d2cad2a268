package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire frames for the venue's streaming protocol. Server messages arrive as
// {"type": ..., "msg": {...}}; the msg body is decoded lazily per type.

// Streaming message types accepted from the venue.
const (
	MsgOrderbookSnapshot = "orderbook_snapshot"
	MsgOrderbookDelta    = "orderbook_delta"
	MsgTicker            = "ticker"
	MsgSubscribed        = "subscribed"
	MsgError             = "error"
)

// SubscribeCommand is the outbound per-market subscription request. The venue
// requires one command per market ticker for book channels.
type SubscribeCommand struct {
	ID     int             `json:"id"`
	Cmd    string          `json:"cmd"`
	Params SubscribeParams `json:"params"`
}

type SubscribeParams struct {
	Channels     []string `json:"channels"`
	MarketTicker string   `json:"market_ticker"`
}

// ServerMessage is the inbound frame envelope.
type ServerMessage struct {
	Type string          `json:"type"`
	SID  int             `json:"sid,omitempty"`
	Msg  json.RawMessage `json:"msg"`
}

// SnapshotMsg is a full two-sided book refresh. Levels are [price, qty]
// pairs of integer cents and contracts.
type SnapshotMsg struct {
	MarketTicker string  `json:"market_ticker"`
	Yes          [][]int `json:"yes"`
	No           [][]int `json:"no"`
}

// DeltaMsg is an incremental quantity change at one bid price on one side.
type DeltaMsg struct {
	MarketTicker string `json:"market_ticker"`
	MarketUUID   string `json:"market_id"`
	Price        int    `json:"price"`
	Delta        int    `json:"delta"`
	Side         string `json:"side"`
	Ts           string `json:"ts"`
}

// Timestamp parses the delta's ISO-8601 timestamp into nanoseconds, falling
// back to the supplied receive time when absent or malformed.
func (d DeltaMsg) Timestamp(recvTsNs int64) int64 {
	if d.Ts == "" {
		return recvTsNs
	}
	t, err := time.Parse(time.RFC3339Nano, d.Ts)
	if err != nil {
		return recvTsNs
	}
	return t.UnixNano()
}

// TickerMsg is the venue's top-of-book broadcast.
type TickerMsg struct {
	MarketTicker string `json:"market_ticker"`
	Bid          *int   `json:"bid"`
	Ask          *int   `json:"ask"`
	Ts           int64  `json:"ts"`
}

// SubscribedMsg confirms a subscription.
type SubscribedMsg struct {
	Channel      string `json:"channel"`
	MarketTicker string `json:"market_ticker"`
}

// ErrorMsg is a venue-reported error frame.
type ErrorMsg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// DecodeServerMessage parses a raw frame into its envelope. The msg body
// stays raw so malformed payloads can be skipped per type without dropping
// the connection.
func DecodeServerMessage(frame []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	return msg, nil
}
