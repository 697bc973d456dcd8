package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapexec/pkg/metrics"
	"github.com/uhyunpark/swapexec/pkg/notify"
	"github.com/uhyunpark/swapexec/pkg/order"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the CORS layer
		return true
	},
}

// streamClient relays one order's events to one WebSocket connection. The
// stream ends after a terminal event, when the client goes away, or on
// server shutdown.
type streamClient struct {
	conn    *websocket.Conn
	sub     *notify.Subscription
	orderID string
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// handleOrderStream serves GET /api/orders/ws?orderId=<id>.
func (s *Server) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		rejectStream(conn, "orderId required")
		return
	}

	// Subscribe before reading the row so no event between the two is lost.
	sub, err := s.bus.Subscribe(s.streams, orderID)
	if err != nil {
		s.log.Errorw("ws_subscribe_failed", "order_id", orderID, "err", err)
		rejectStream(conn, "subscription unavailable")
		return
	}

	row, err := s.orders.GetOrder(r.Context(), orderID)
	switch {
	case errors.Is(err, order.ErrNotFound):
		sub.Close()
		rejectStream(conn, "order not found")
		return
	case err != nil:
		sub.Close()
		s.log.Errorw("order_read_failed", "order_id", orderID, "err", err)
		rejectStream(conn, "failed to read order")
		return
	}

	c := &streamClient{
		conn:    conn,
		sub:     sub,
		orderID: orderID,
		log:     s.log.With("order_id", orderID, "remote", conn.RemoteAddr().String()),
		metrics: s.opts.Metrics,
	}
	c.metrics.AddSubscriber(1)
	c.log.Debugw("ws_stream_opened", "status", row.Status)

	// A finished order publishes nothing more; send its final state so the
	// client is not left waiting.
	var final *order.Event
	if row.Status.IsTerminal() {
		ev := terminalEvent(row)
		final = &ev
	}

	go c.writePump(final)
	go c.readPump()
}

// readPump only watches for the client going away; inbound messages are
// ignored.
func (c *streamClient) readPump() {
	defer c.sub.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debugw("ws_read_error", "err", err)
			}
			return
		}
	}
}

func (c *streamClient) writePump(final *order.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
		c.metrics.AddSubscriber(-1)
		c.log.Debugw("ws_stream_closed")
	}()

	if final != nil {
		if c.write(*final) == nil {
			c.closeNormal("order finished")
		}
		return
	}

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				c.closeNormal("stream ended")
				return
			}
			if err := c.write(ev); err != nil {
				return
			}
			if ev.IsTerminal() {
				c.closeNormal("order finished")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) write(ev order.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Debugw("ws_write_failed", "err", err)
		return err
	}
	return nil
}

func (c *streamClient) closeNormal(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// rejectStream sends a single error message and closes the connection.
func rejectStream(conn *websocket.Conn, reason string) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	payload, _ := json.Marshal(StreamError{Error: reason})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func terminalEvent(row *order.Order) order.Event {
	ev := order.Event{
		Type:      order.EventTransition,
		OrderID:   row.ID,
		Status:    row.Status,
		Dex:       row.Dex,
		TxHash:    row.TxHash,
		Error:     row.Error,
		Timestamp: row.UpdatedAt.UnixMilli(),
	}
	if row.ExecutionPrice != nil {
		ev.ExecutionPrice = row.ExecutionPrice.InexactFloat64()
	}
	return ev
}

