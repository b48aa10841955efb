package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"creditvault/internal/wad"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Update is one price observation pushed by the feed.
type Update struct {
	Asset string
	Price *big.Int
	Time  time.Time
}

type feedMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Asset string `json:"asset"`
		Price string `json:"price"`
		Time  int64  `json:"time"`
	} `json:"data"`
}

type subscribeMessage struct {
	Method string   `json:"method"`
	Assets []string `json:"assets"`
}

// Feed keeps a websocket subscription to a price source alive and forwards
// every parsed price to its handler. It reconnects after read failures.
type Feed struct {
	url            string
	assets         []string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewFeed(url string, assets []string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		url:            url,
		assets:         append([]string(nil), assets...),
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
	}
}

func (f *Feed) connect(ctx context.Context) (*websocket.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn, nil
	}
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return nil, err
	}
	if err := writeJSON(ctx, conn, subscribeMessage{Method: "subscribe", Assets: f.assets}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, err
	}
	f.conn = conn
	return conn, nil
}

// Run blocks until ctx is done, calling handler for every price update.
func (f *Feed) Run(ctx context.Context, handler func(Update)) error {
	for {
		conn, err := f.connect(ctx)
		if err == nil {
			pingCtx, cancel := context.WithCancel(ctx)
			pingDone := make(chan struct{})
			go func() {
				defer close(pingDone)
				f.pingLoop(pingCtx, conn)
			}()
			err = f.readLoop(ctx, conn, handler)
			cancel()
			<-pingDone
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logReadLoopError(err)
		f.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn, handler func(Update)) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		update, ok, err := ParseUpdate(data)
		if err != nil {
			f.log.Warn("price feed message rejected", zap.Error(err))
			continue
		}
		if ok && handler != nil {
			handler(update)
		}
	}
}

// ParseUpdate decodes a price message. Messages on other channels are ignored.
func ParseUpdate(data []byte) (Update, bool, error) {
	var msg feedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Update{}, false, err
	}
	if msg.Channel != "price" {
		return Update{}, false, nil
	}
	asset := strings.TrimSpace(msg.Data.Asset)
	if asset == "" {
		return Update{}, false, errors.New("price message without asset")
	}
	price, err := wad.Parse(msg.Data.Price)
	if err != nil {
		return Update{}, false, err
	}
	if price.Sign() <= 0 {
		return Update{}, false, ErrInvalidPrice
	}
	ts := time.UnixMilli(msg.Data.Time).UTC()
	if msg.Data.Time == 0 {
		ts = time.Now().UTC()
	}
	return Update{Asset: asset, Price: price, Time: ts}, true, nil
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if f.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (f *Feed) logReadLoopError(err error) {
	if err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		f.log.Info("price feed closed", zap.Error(err))
		return
	}
	f.log.Warn("price feed read loop ended", zap.Error(err))
}

func (f *Feed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
