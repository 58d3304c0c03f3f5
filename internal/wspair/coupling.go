package wspair

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/cloudflare/miniflare-sub008/internal/gating"
)

// Coupling bridges a real network socket to one end of a Pair (section
// 4.7 "couple(externalSocket, localEnd)"). Frames flowing from the wire
// are delivered onto localEnd; frames sent on localEnd are written to
// the wire.
type Coupling struct {
	conn    *websocket.Conn
	local   *End
	budget  *gating.Budget
	cancel  context.CancelFunc
}

// Couple binds conn to localEnd. localEnd must not yet be accepted or
// already coupled. From this call, localEnd is "used in a response" and
// the worker may no longer Accept it directly.
func Couple(ctx context.Context, conn *websocket.Conn, localEnd *End, budget *gating.Budget) (*Coupling, error) {
	if err := localEnd.markCoupled(); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := &Coupling{conn: conn, local: localEnd, budget: budget, cancel: cancel}

	localEnd.Accept()
	localEnd.OnMessage(func(f Frame) {
		var err error
		switch f.Kind {
		case FrameText:
			err = conn.WriteMessage(websocket.TextMessage, []byte(f.Text))
		case FrameBinary:
			err = conn.WriteMessage(websocket.BinaryMessage, f.Data)
		}
		if err != nil {
			cancel()
		}
	})
	localEnd.OnClose(func(info CloseInfo) {
		code := info.Code
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, info.Reason))
		cancel()
	})

	go c.pumpFromWire(runCtx)
	return c, nil
}

// pumpFromWire reads frames off the network socket and dispatches them
// onto the local pair end, normalising invalid peer close codes to 1005
// (section 4.7 "an invalid peer close code arriving from the wire is
// normalised to 1005 on the local side").
func (c *Coupling) pumpFromWire(ctx context.Context) {
	defer c.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			code := 1005
			if ce, ok := err.(*websocket.CloseError); ok && validCloseCode(ce.Code) {
				code = ce.Code
			}
			_ = c.local.deliverClose(CloseInfo{Code: code})
			return
		}

		if c.budget != nil {
			if chargeErr := c.budget.Charge(); chargeErr != nil {
				_ = c.local.deliverClose(CloseInfo{Code: 1011, Reason: chargeErr.Error()})
				return
			}
		}

		switch mt {
		case websocket.TextMessage:
			_ = c.local.deliver(Frame{Kind: FrameText, Text: string(data)})
		case websocket.BinaryMessage:
			_ = c.local.deliver(Frame{Kind: FrameBinary, Data: data})
		}
	}
}

// Cancel tears down the coupling with close code 1006, per section 5's
// request-cancellation rule ("closes both ends of any coupled WebSocket
// with code 1006").
func (c *Coupling) Cancel() {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(1006, ""))
	c.cancel()
}
