package service

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	commonlog "rtc_server/server/common/log"
)

// Gateway owns the lifecycle of an authenticated websocket: register,
// pump frames into the dispatcher, then unregister on disconnect.
type Gateway struct {
	registry   *Registry
	dispatcher *Dispatcher
	cfg        WSClientConfig
}

func NewGateway(registry *Registry, dispatcher *Dispatcher, cfg WSClientConfig) *Gateway {
	return &Gateway{registry: registry, dispatcher: dispatcher, cfg: cfg}
}

// Serve blocks until the connection closes.
func (g *Gateway) Serve(ctx context.Context, conn *websocket.Conn, userID string) {
	client := NewWSClient(conn, userID, g.cfg)
	startedAt := time.Now()
	go client.WritePump()

	g.registry.Register(userID, client)
	commonlog.Infof("event=ws_gateway action=connect status=ok user_id=%s conn_id=%s", userID, client.ID())

	err := client.ReadPump(ctx, func(ctx context.Context, raw []byte) {
		g.dispatcher.Dispatch(ctx, client, raw)
	})
	removed := g.registry.UnregisterConn(client)
	_ = client.Close()
	if err != nil {
		commonlog.Warnf("event=ws_gateway action=disconnect status=error user_id=%s conn_id=%s duration_ms=%d error=%v", userID, client.ID(), time.Since(startedAt).Milliseconds(), err)
		return
	}
	commonlog.Infof("event=ws_gateway action=disconnect status=ok user_id=%s conn_id=%s superseded=%t duration_ms=%d", userID, client.ID(), !removed, time.Since(startedAt).Milliseconds())
}
