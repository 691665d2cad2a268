package kalshi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"predflow/config"
	"predflow/models"
)

func wsTestConfig() *config.Config {
	return &config.Config{
		Venue: config.VenueConfig{
			ID:               "kalshi",
			Environment:      config.EnvironmentDemo,
			Channels:         []string{"orderbook_delta"},
			SubscribeSpacing: time.Millisecond,
			RequestTimeout:   time.Second,
		},
	}
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, exp := range want {
		if got := backoffDelay(i + 1); got != exp {
			t.Fatalf("backoffDelay(%d) = %s, want %s", i+1, got, exp)
		}
	}
}

func TestListenGivesUpAfterMaxAttempts(t *testing.T) {
	signer, _ := testSigner(t)
	c := NewConnection(wsTestConfig(), signer, Callbacks{})

	dials := 0
	c.dial = func(url string, header http.Header) (*websocket.Conn, error) {
		dials++
		return nil, fmt.Errorf("refused")
	}
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	err := c.Listen(context.Background())
	if err == nil {
		t.Fatal("expected fatal error after exhausting reconnect attempts")
	}
	if !strings.Contains(err.Error(), "exhausted") {
		t.Fatalf("unexpected error: %v", err)
	}
	if dials != 10 {
		t.Fatalf("dialed %d times, want 10", dials)
	}

	// The terminal attempt fails without sleeping, so nine delays.
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second,
	}
	if len(delays) != len(want) {
		t.Fatalf("slept %d times, want %d: %v", len(delays), len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d = %s, want %s", i, delays[i], want[i])
		}
	}
}

func TestListenStopsOnCancelledSleep(t *testing.T) {
	signer, _ := testSigner(t)
	c := NewConnection(wsTestConfig(), signer, Callbacks{})

	c.dial = func(url string, header http.Header) (*websocket.Conn, error) {
		return nil, fmt.Errorf("refused")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if err := c.Listen(ctx); err != nil {
		t.Fatalf("cancelled listen returned error: %v", err)
	}
}

func TestSubscribeRecordsRegistry(t *testing.T) {
	signer, _ := testSigner(t)
	c := NewConnection(wsTestConfig(), signer, Callbacks{})

	var sent []models.SubscribeCommand
	c.send = func(cmd models.SubscribeCommand) error {
		sent = append(sent, cmd)
		return nil
	}

	markets := []string{"FED-25", "CPI-26", "PRES-28"}
	if err := c.Subscribe(context.Background(), []string{"orderbook_delta"}, markets); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if len(sent) != 3 {
		t.Fatalf("sent %d commands, want one per market", len(sent))
	}
	for i, cmd := range sent {
		if cmd.Cmd != "subscribe" {
			t.Fatalf("cmd = %q", cmd.Cmd)
		}
		if cmd.Params.MarketTicker != markets[i] {
			t.Fatalf("command %d for %q, want %q", i, cmd.Params.MarketTicker, markets[i])
		}
		if cmd.ID != i+1 {
			t.Fatalf("command ids not sequential: %d at %d", cmd.ID, i)
		}
	}

	for _, m := range markets {
		if !c.IsSubscribed(m) {
			t.Fatalf("%s missing from registry", m)
		}
	}
	got := c.SubscribedMarkets()
	wantSorted := append([]string(nil), markets...)
	sort.Strings(wantSorted)
	for i := range wantSorted {
		if got[i] != wantSorted[i] {
			t.Fatalf("registry = %v", got)
		}
	}
}

func TestSubscribeSendFailureNotRecorded(t *testing.T) {
	signer, _ := testSigner(t)
	c := NewConnection(wsTestConfig(), signer, Callbacks{})

	c.send = func(cmd models.SubscribeCommand) error {
		if cmd.Params.MarketTicker == "BAD" {
			return fmt.Errorf("write failed")
		}
		return nil
	}

	if err := c.Subscribe(context.Background(), []string{"orderbook_delta"}, []string{"GOOD", "BAD"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !c.IsSubscribed("GOOD") {
		t.Fatal("GOOD missing from registry")
	}
	if c.IsSubscribed("BAD") {
		t.Fatal("failed subscribe recorded in registry")
	}
}

func TestResubscribeAllReplaysRegistry(t *testing.T) {
	signer, _ := testSigner(t)
	c := NewConnection(wsTestConfig(), signer, Callbacks{})

	var sent []models.SubscribeCommand
	c.send = func(cmd models.SubscribeCommand) error {
		sent = append(sent, cmd)
		return nil
	}

	ctx := context.Background()
	if err := c.Subscribe(ctx, []string{"orderbook_delta"}, []string{"FED-25", "CPI-26"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Subscribe(ctx, []string{"ticker"}, []string{"FED-25"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sent = nil
	if err := c.resubscribeAll(ctx); err != nil {
		t.Fatalf("resubscribeAll: %v", err)
	}

	byMarket := make(map[string][]string)
	for _, cmd := range sent {
		if _, dup := byMarket[cmd.Params.MarketTicker]; dup {
			t.Fatalf("market %s resubscribed twice", cmd.Params.MarketTicker)
		}
		byMarket[cmd.Params.MarketTicker] = cmd.Params.Channels
	}
	if len(byMarket) != 2 {
		t.Fatalf("resubscribed %d markets, want 2", len(byMarket))
	}
	fed := byMarket["FED-25"]
	if len(fed) != 2 || fed[0] != "orderbook_delta" || fed[1] != "ticker" {
		t.Fatalf("FED-25 channels = %v", fed)
	}
	cpi := byMarket["CPI-26"]
	if len(cpi) != 1 || cpi[0] != "orderbook_delta" {
		t.Fatalf("CPI-26 channels = %v", cpi)
	}
}
