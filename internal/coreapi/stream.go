package coreapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"corenexus/internal/shared/types"
)

// dialStream 建立到核心的 websocket 流连接，unix socket 模式下复用同一个拨号函数。
func (c *Client) dialStream(ctx context.Context, path string, query url.Values) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if c.socketPath != "" {
		dialer.NetDialContext = c.dialSocket
	}

	target := c.wsBaseURL + path
	if c.secret != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("token", c.secret)
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	header := http.Header{}
	if c.secret != "" {
		header.Set("Authorization", "Bearer "+c.secret)
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("core stream %s dial failed: %w", path, err)
	}
	return conn, nil
}

// readFrames reads JSON frames until ctx is done or the connection fails.
func readFrames(ctx context.Context, conn *websocket.Conn, handle func([]byte)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		handle(data)
	}
}

type logFrame struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// StreamLogs 订阅核心日志流并阻塞，直到 ctx 结束或连接断开。
// 每一帧都以接收时间作为时间戳交给 fn。
func (c *Client) StreamLogs(ctx context.Context, level string, fn func(types.LogMessage)) error {
	q := url.Values{}
	if level != "" {
		q.Set("level", level)
	}
	conn, err := c.dialStream(ctx, "/logs", q)
	if err != nil {
		return err
	}
	return readFrames(ctx, conn, func(data []byte) {
		var f logFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		fn(types.LogMessage{
			Timestamp: time.Now(),
			Level:     f.Type,
			Type:      f.Type,
			Payload:   f.Payload,
		})
	})
}

// StreamTraffic subscribes to per-second throughput samples.
func (c *Client) StreamTraffic(ctx context.Context, fn func(types.TrafficSample)) error {
	conn, err := c.dialStream(ctx, "/traffic", nil)
	if err != nil {
		return err
	}
	return readFrames(ctx, conn, func(data []byte) {
		var s types.TrafficSample
		if err := json.Unmarshal(data, &s); err != nil {
			return
		}
		fn(s)
	})
}
