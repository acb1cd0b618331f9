package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"lendhelper/services/helperd/receipts"
)

const wsWriteTimeout = 10 * time.Second

// handleReceiptStream pushes receipts to a websocket as they are written.
// Callers see their own receipts; admins see every receipt unless they pass
// ?caller=.
func (s *Server) handleReceiptStream(w http.ResponseWriter, r *http.Request) {
	filter, err := s.receiptFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	operation := strings.TrimSpace(r.URL.Query().Get("operation"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	s.metrics.SubscriberJoined()
	defer s.metrics.SubscriberLeft()

	// Client frames are ignored; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	updates, cancel := s.hub.Subscribe()
	defer cancel()

	if err := streamReceipts(ctx, conn, updates, func(receipt receipts.Receipt) bool {
		if filter.Caller != "" && receipt.Caller != filter.Caller {
			return false
		}
		return operation == "" || receipt.Operation == operation
	}); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Debug("receipt stream ended", slog.String("error", err.Error()))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamReceipts(ctx context.Context, conn *websocket.Conn, updates <-chan receipts.Receipt, match func(receipts.Receipt) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case receipt, ok := <-updates:
			if !ok {
				return nil
			}
			if !match(receipt) {
				continue
			}
			if err := writeReceipt(ctx, conn, receipt); err != nil {
				return err
			}
		}
	}
}

func writeReceipt(ctx context.Context, conn *websocket.Conn, receipt receipts.Receipt) error {
	data, err := json.Marshal(newReceiptView(&receipt))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
