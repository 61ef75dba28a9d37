// ws.go implements the Binance futures user-data stream.
//
// The stream is keyed by a listen key obtained over REST; Binance expires
// keys after 60 minutes unless refreshed, so a keepalive ticker runs
// alongside the read loop. The connection auto-reconnects with exponential
// backoff (1s → 30s max) and obtains a fresh listen key on every reconnect.
// A read deadline ensures silent server failures are detected within ~2
// missed pings.
//
// Only ORDER_TRADE_UPDATE events are decoded; everything else on the stream
// (account updates, margin calls) is ignored here.
package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"signalbot/pkg/types"
)

const (
	keepAliveInterval = 30 * time.Minute // listen keys expire after 60m
	pingInterval      = 50 * time.Second
	readTimeout       = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait  = 30 * time.Second
	writeTimeout      = 10 * time.Second
	updateBufferSize  = 256
)

// listenKeyProvider is the REST surface the stream needs: create a key on
// (re)connect, refresh it while connected. *Binance satisfies it.
type listenKeyProvider interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// UserStream maintains the authenticated user-data WebSocket and publishes
// decoded order updates on a channel consumed by the runner.
type UserStream struct {
	wsURL  string
	keys   listenKeyProvider
	logger *slog.Logger

	updateCh chan types.OrderUpdate
}

// NewUserStream creates a user-data stream client.
func NewUserStream(wsURL string, keys listenKeyProvider, logger *slog.Logger) *UserStream {
	return &UserStream{
		wsURL:    wsURL,
		keys:     keys,
		logger:   logger.With("component", "ws_user"),
		updateCh: make(chan types.OrderUpdate, updateBufferSize),
	}
}

// Updates returns a read-only channel of order update events.
func (s *UserStream) Updates() <-chan types.OrderUpdate { return s.updateCh }

// Run connects and maintains the stream with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *UserStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("user stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// connectAndRead obtains a listen key, dials, and pumps messages until the
// connection drops or ctx is cancelled.
func (s *UserStream) connectAndRead(ctx context.Context) error {
	key, err := s.keys.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL+"/"+key, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.logger.Info("user stream connected")

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// Keepalive + ping loop; closing the connection unblocks ReadMessage.
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	go func() {
		keepAlive := time.NewTicker(keepAliveInterval)
		ping := time.NewTicker(pingInterval)
		defer keepAlive.Stop()
		defer ping.Stop()
		for {
			select {
			case <-pumpCtx.Done():
				conn.Close()
				return
			case <-keepAlive.C:
				if err := s.keys.KeepAliveListenKey(pumpCtx); err != nil {
					s.logger.Warn("listen key keepalive failed", "error", err)
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.logger.Warn("ping failed", "error", err)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.handleMessage(raw)
	}
}

// wsOrderUpdate mirrors the ORDER_TRADE_UPDATE payload (short field names
// per the Binance stream schema).
type wsOrderUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"T"`
	Order     struct {
		Symbol       string `json:"s"`
		OrderID      int64  `json:"i"`
		Status       string `json:"X"`
		FilledQty    string `json:"z"`
		AveragePrice string `json:"ap"`
	} `json:"o"`
}

// handleMessage decodes one stream frame and forwards order updates.
func (s *UserStream) handleMessage(raw []byte) {
	var evt wsOrderUpdate
	if err := json.Unmarshal(raw, &evt); err != nil {
		s.logger.Debug("unparseable stream frame", "error", err)
		return
	}
	if evt.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	update := types.OrderUpdate{
		Symbol:       evt.Order.Symbol,
		OrderID:      strconv.FormatInt(evt.Order.OrderID, 10),
		Status:       types.OrderUpdateStatus(evt.Order.Status),
		FilledQty:    parseFloat(evt.Order.FilledQty),
		AveragePrice: parseFloat(evt.Order.AveragePrice),
		EventTime:    time.UnixMilli(evt.EventTime),
	}

	select {
	case s.updateCh <- update:
	default:
		s.logger.Warn("order update channel full, dropping event",
			"symbol", update.Symbol,
			"order_id", update.OrderID,
		)
	}
}
