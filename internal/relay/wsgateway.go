package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/q10elabs/mlschat/internal/wire"
)

// Gateway accepts real-time connections and bridges them to the Router.
// Each accepted connection gets one read goroutine decoding inbound frames
// and one NATS subscription pushing outbound deliveries, so a slow peer
// never stalls another connection's read loop.
type Gateway struct {
	router *Router
	logger *slog.Logger
}

// NewGateway constructs a Gateway bound to router.
func NewGateway(router *Router, logger *slog.Logger) *Gateway {
	return &Gateway{router: router, logger: logger}
}

// HandleWebSocket upgrades GET /ws/{username} and runs the connection until
// the peer disconnects.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	connID := ulid.Make().String()
	g.logger.Info("gateway connection accepted", slog.String("username", username), slog.String("conn_id", connID))

	// A client's own username is always its personal channel, used for
	// Welcome delivery; no explicit subscribe frame is needed for it.
	g.router.Subscribe(connID, username)
	defer g.router.RemoveConnection(connID)

	sub, err := g.router.SubscribeDeliveries(connID, func(payload []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			g.logger.Warn("delivery write failed", slog.String("conn_id", connID), slog.String("error", err.Error()))
		}
	})
	if err != nil {
		g.logger.Error("subscribing deliveries failed", slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "subscription failure")
		return
	}
	defer sub.Unsubscribe()

	g.readLoop(r.Context(), conn, connID)
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, connID string) {
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			g.logger.Debug("gateway connection closed", slog.String("conn_id", connID), slog.String("error", err.Error()))
			return
		}

		if wire.IsControlFrame(data) {
			cf, err := wire.DecodeControlFrame(data)
			if err != nil {
				g.logger.Warn("dropping malformed control frame", slog.String("conn_id", connID), slog.String("error", err.Error()))
				continue
			}
			switch cf.Action {
			case wire.ActionSubscribe:
				g.router.Subscribe(connID, cf.GroupID)
			case wire.ActionUnsubscribe:
				g.router.Unsubscribe(connID, cf.GroupID)
			}
			continue
		}

		env, err := wire.Decode(data)
		if err != nil {
			g.logger.Warn("dropping malformed envelope", slog.String("conn_id", connID), slog.String("error", err.Error()))
			continue
		}

		routeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = g.router.Route(routeCtx, env, data)
		cancel()
		if err != nil {
			g.logger.Warn("routing envelope failed", slog.String("conn_id", connID), slog.String("error", err.Error()))
		}
	}
}
