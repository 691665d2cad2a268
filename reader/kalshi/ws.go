package kalshi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"predflow/config"
	"predflow/logger"
	"predflow/models"
)

const (
	backoffBase        = time.Second
	backoffMax         = 30 * time.Second
	maxConnectAttempts = 10
	pingInterval       = 30 * time.Second
	pongWait           = 10 * time.Second
)

// Callbacks decouple the transport from the pipeline. OnMessage is invoked
// from the run-loop, in arrival order, once per decoded frame.
type Callbacks struct {
	OnMessage      func(msg models.ServerMessage, recvTsNs int64)
	OnConnected    func()
	OnDisconnected func()
	OnError        func(err error)
}

// Connection owns one logical streaming session to the venue, transparent to
// callers across reconnects. The subscription registry is the source of
// truth for resubscription: it only grows, and it is replayed exactly once
// per successful reconnect before message delivery resumes.
type Connection struct {
	cfg       *config.Config
	signer    *Signer
	url       string
	log       *logger.Log
	callbacks Callbacks

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	pingDone  chan struct{}
	messageID int
	registry  map[string]map[string]struct{}

	subLimiter *rate.Limiter
	attempts   int

	// Injection points for deterministic reconnect/backoff tests.
	dial  func(url string, header http.Header) (*websocket.Conn, error)
	sleep func(ctx context.Context, d time.Duration) error
	send  func(cmd models.SubscribeCommand) error
}

func NewConnection(cfg *config.Config, signer *Signer, callbacks Callbacks) *Connection {
	spacing := cfg.Venue.SubscribeSpacing
	if spacing <= 0 {
		spacing = 100 * time.Millisecond
	}

	c := &Connection{
		cfg:        cfg,
		signer:     signer,
		url:        cfg.Venue.WSURL(),
		log:        logger.GetLogger(),
		callbacks:  callbacks,
		messageID:  1,
		registry:   make(map[string]map[string]struct{}),
		subLimiter: rate.NewLimiter(rate.Every(spacing), 1),
	}

	dialer := &websocket.Dialer{HandshakeTimeout: cfg.Venue.RequestTimeout}
	c.dial = func(url string, header http.Header) (*websocket.Conn, error) {
		conn, _, err := dialer.Dial(url, header)
		return conn, err
	}
	c.sleep = sleepContext
	c.send = c.writeCommand

	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Connect opens the authenticated transport with keep-alive pings. Failure
// is reported through OnError and returned; it never panics past the
// connection-management boundary.
func (c *Connection) Connect() error {
	log := c.log.WithComponent("kalshi_ws")

	headers, err := c.signer.WSHeaders()
	if err != nil {
		c.notifyError(err)
		return err
	}

	conn, err := c.dial(c.url, headers)
	if err != nil {
		log.WithError(err).Warn("websocket connect failed")
		c.notifyError(err)
		return fmt.Errorf("connect %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.pingDone = make(chan struct{})
	go c.pinger(conn, c.pingDone)
	c.mu.Unlock()

	log.WithFields(logger.Fields{"url": c.url}).Info("websocket connected")
	if c.callbacks.OnConnected != nil {
		c.callbacks.OnConnected()
	}
	return nil
}

func (c *Connection) pinger(conn *websocket.Conn, done chan struct{}) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Connection) writeCommand(cmd models.SubscribeCommand) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(cmd)
}

// Subscribe sends one subscribe command per market, spaced by the configured
// minimum interval, and records the channel set in the registry.
func (c *Connection) Subscribe(ctx context.Context, channels []string, marketIDs []string) error {
	log := c.log.WithComponent("kalshi_ws")

	for _, marketID := range marketIDs {
		if err := c.subLimiter.Wait(ctx); err != nil {
			return err
		}

		c.mu.Lock()
		id := c.messageID
		c.messageID++
		c.mu.Unlock()

		cmd := models.SubscribeCommand{
			ID:  id,
			Cmd: "subscribe",
			Params: models.SubscribeParams{
				Channels:     channels,
				MarketTicker: marketID,
			},
		}

		if err := c.send(cmd); err != nil {
			log.WithError(err).WithFields(logger.Fields{"market": marketID}).Warn("subscribe command failed")
			continue
		}

		c.mu.Lock()
		set, ok := c.registry[marketID]
		if !ok {
			set = make(map[string]struct{})
			c.registry[marketID] = set
		}
		for _, ch := range channels {
			set[ch] = struct{}{}
		}
		c.mu.Unlock()

		log.WithFields(logger.Fields{"market": marketID, "channels": channels}).Info("subscribed")
	}
	return nil
}

// resubscribeAll replays every registry entry through Subscribe, used
// exactly once per successful reconnect.
func (c *Connection) resubscribeAll(ctx context.Context) error {
	c.mu.Lock()
	entries := make(map[string][]string, len(c.registry))
	for marketID, set := range c.registry {
		channels := make([]string, 0, len(set))
		for ch := range set {
			channels = append(channels, ch)
		}
		sort.Strings(channels)
		entries[marketID] = channels
	}
	c.mu.Unlock()

	c.log.WithComponent("kalshi_ws").WithFields(logger.Fields{
		"markets": len(entries),
	}).Info("resubscribing after reconnect")

	for marketID, channels := range entries {
		if err := c.Subscribe(ctx, channels, []string{marketID}); err != nil {
			return err
		}
	}
	return nil
}

// IsSubscribed reports whether a market is in the registry.
func (c *Connection) IsSubscribed(marketID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.registry[marketID]
	return ok
}

// SubscribedMarkets returns the registered market set.
func (c *Connection) SubscribedMarkets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.registry))
	for marketID := range c.registry {
		out = append(out, marketID)
	}
	sort.Strings(out)
	return out
}

// IsConnected reports whether the transport is currently open.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Connection) notifyError(err error) {
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}

func (c *Connection) markDisconnected() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.pingDone != nil {
		close(c.pingDone)
		c.pingDone = nil
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if c.callbacks.OnDisconnected != nil {
		c.callbacks.OnDisconnected()
	}
}

// Close tears down the transport so a blocked read returns. Used during
// shutdown alongside context cancellation.
func (c *Connection) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.pingDone != nil {
		close(c.pingDone)
		c.pingDone = nil
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// backoffDelay computes the reconnect delay for the given failed attempt
// count: min(30s, 1s * 2^(attempt-1)).
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return backoffMax
	}
	d := backoffBase << uint(attempt-1)
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// Listen is the run-loop. It keeps one session alive across transport
// drops, resubscribing after each successful reconnect, and returns only on
// context cancellation or once the reconnect budget is exhausted.
func (c *Connection) Listen(ctx context.Context) error {
	log := c.log.WithComponent("kalshi_ws")

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !c.IsConnected() {
			reconnecting := len(c.SubscribedMarkets()) > 0
			if err := c.Connect(); err != nil {
				c.mu.Lock()
				c.attempts++
				attempt := c.attempts
				c.mu.Unlock()

				if attempt >= maxConnectAttempts {
					log.WithFields(logger.Fields{"attempts": attempt}).Error("reconnect attempts exhausted")
					return fmt.Errorf("reconnect attempts exhausted after %d failures: %w", attempt, err)
				}

				delay := backoffDelay(attempt)
				log.WithFields(logger.Fields{
					"attempt": attempt,
					"delay":   delay.String(),
				}).Warn("reconnecting after backoff")
				if err := c.sleep(ctx, delay); err != nil {
					return nil
				}
				continue
			}

			if reconnecting {
				if err := c.resubscribeAll(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.WithError(err).Warn("resubscribe failed")
				}
			}
		}

		c.readLoop(ctx)
	}
}

func (c *Connection) readLoop(ctx context.Context) {
	log := c.log.WithComponent("kalshi_ws")

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("websocket read failed, reconnecting")
			}
			c.markDisconnected()
			return
		}
		recvTsNs := time.Now().UnixNano()
		logger.IncrementFrameRead(len(frame))

		msg, err := models.DecodeServerMessage(frame)
		if err != nil {
			log.WithError(err).Warn("malformed frame, skipping")
			continue
		}
		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(msg, recvTsNs)
		}
	}
}
