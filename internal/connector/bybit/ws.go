package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"crossflow/logger"
)

const wsKeepAlive = 20 * time.Second

// runWebSocket owns one websocket session: dial, optional auth, subscribe,
// keepalive, read loop. It returns when ctx ends; transport errors are
// returned to the caller's reconnect loop instead of retried here.
func runWebSocket(ctx context.Context, url string, topics []string, auth *wsAuth, log *logger.Entry, handler func([]byte)) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	if auth != nil {
		if err := sendAuth(conn, auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if len(topics) > 0 {
		if err := subscribe(conn, topics); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	pingDone := make(chan struct{})
	go pingLoop(ctx, conn, pingDone, log)
	defer close(pingDone)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-pingDone:
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handler(msg)
	}
}

func subscribe(conn *websocket.Conn, topics []string) error {
	req := struct {
		Op    string   `json:"op"`
		Args  []string `json:"args"`
		ReqID string   `json:"req_id"`
	}{
		Op:    "subscribe",
		Args:  topics,
		ReqID: fmt.Sprintf("%d", time.Now().UnixNano()),
	}
	return conn.WriteJSON(req)
}

type wsAuth struct {
	apiKey    string
	apiSecret string
}

// sendAuth signs the private stream login per the v5 websocket scheme.
func sendAuth(conn *websocket.Conn, auth *wsAuth) error {
	expires := time.Now().Add(5 * time.Second).UnixMilli()
	mac := hmac.New(sha256.New, []byte(auth.apiSecret))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	signature := hex.EncodeToString(mac.Sum(nil))

	req := struct {
		Op   string        `json:"op"`
		Args []interface{} `json:"args"`
	}{
		Op:   "auth",
		Args: []interface{}{auth.apiKey, expires, signature},
	}
	return conn.WriteJSON(req)
}

func pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}, log *logger.Entry) {
	ticker := time.NewTicker(wsKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				log.WithError(err).Warn("websocket ping failed")
				return
			}
		}
	}
}
