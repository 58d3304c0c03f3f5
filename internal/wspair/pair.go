// Package wspair implements the WebSocket Pair and Coupling of section
// 4.7: two in-process ends whose sends are dispatched as messages on
// the other, plus a bridge ("coupling") to a real network socket.
package wspair

import (
	"sync"

	"github.com/zeebo/errs"

	"github.com/cloudflare/miniflare-sub008/internal/gating"
)

// Error is the class for wspair failures.
var Error = errs.Class("wspair")

// ErrTypeError mirrors the spec's literal "TypeError" failures: double
// close, reason without code, closing before accept. Sending before
// accept is not rejected: the frame is dispatched or buffered at the
// peer.
var ErrTypeError = Error.New("TypeError")

// ReadyState mirrors the WebSocket readyState constants.
type ReadyState int

const (
	Connecting ReadyState = 0
	Open       ReadyState = 1
	Closing    ReadyState = 2
	Closed     ReadyState = 3
)

// FrameKind distinguishes text from binary payloads, since the two
// arrive and are dispatched differently (section 4.7 "binary frames
// from the wire arrive as byte arrays; strings as strings").
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Frame is one message handed between ends.
type Frame struct {
	Kind FrameKind
	Text string
	Data []byte
}

// CloseInfo records a close code/reason pair.
type CloseInfo struct {
	Code   int
	Reason string
}

// MessageHandler is invoked for every frame dispatched to an accepted
// end, in arrival order.
type MessageHandler func(Frame)

// CloseHandler is invoked once when an end transitions to Closed.
type CloseHandler func(CloseInfo)

// End is one side of a Pair (or a coupled local end).
type End struct {
	mu           sync.Mutex
	state        ReadyState
	accepted     bool
	coupled      bool
	peer         *End
	buffered     []Frame
	pendingClose *CloseInfo
	onMessage    MessageHandler
	onClose      CloseHandler
	gates        *gating.Context
}

// SetRequestContext wires the gates an accepted end's dispatch and send
// path waits on (section 5 "Gating interaction": receiving waits on the
// input gate, sending/closing waits on the output gate).
func (e *End) SetRequestContext(gctx *gating.Context) {
	e.mu.Lock()
	e.gates = gctx
	e.mu.Unlock()
}

// NewPair constructs two ends bound to each other, both starting Open
// with accepted=false (section 4.7: "each end starts in open with
// accepted=false").
func NewPair() (a, b *End) {
	a = &End{state: Open}
	b = &End{state: Open}
	a.peer = b
	b.peer = a
	return a, b
}

// Accept marks the end ready to receive dispatch, draining any frames
// (and a pending close) buffered while it was unaccepted, in order.
func (e *End) Accept() {
	e.mu.Lock()
	if e.accepted {
		e.mu.Unlock()
		return
	}
	e.accepted = true
	buffered := e.buffered
	e.buffered = nil
	pending := e.pendingClose
	e.pendingClose = nil
	handler := e.onMessage
	closeHandler := e.onClose
	e.mu.Unlock()

	if handler != nil {
		for _, f := range buffered {
			handler(f)
		}
	}
	if pending != nil {
		e.mu.Lock()
		e.state = Closed
		e.mu.Unlock()
		if closeHandler != nil {
			closeHandler(*pending)
		}
	}
}

// OnMessage registers the handler invoked for dispatched frames.
func (e *End) OnMessage(h MessageHandler) {
	e.mu.Lock()
	e.onMessage = h
	e.mu.Unlock()
}

// OnClose registers the handler invoked once this end closes.
func (e *End) OnClose(h CloseHandler) {
	e.mu.Lock()
	e.onClose = h
	e.mu.Unlock()
}

// ReadyState returns the end's current state.
func (e *End) ReadyState() ReadyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Send dispatches a text frame to the peer, buffering if the peer has
// not yet accepted.
func (e *End) Send(text string) error {
	return e.send(Frame{Kind: FrameText, Text: text})
}

// SendBinary dispatches a binary frame to the peer.
func (e *End) SendBinary(data []byte) error {
	return e.send(Frame{Kind: FrameBinary, Data: data})
}

func (e *End) send(f Frame) error {
	e.mu.Lock()
	if e.state != Open {
		e.mu.Unlock()
		return Error.New("cannot send on a socket in readyState %d", e.state)
	}
	peer := e.peer
	gates := e.gates
	e.mu.Unlock()

	if gates != nil {
		if err := gates.OutputGate.Wait(gates); err != nil {
			return Error.Wrap(err)
		}
	}
	return peer.deliver(f)
}

// deliver dispatches or buffers f at the receiving end, per whether it
// has been accepted.
func (e *End) deliver(f Frame) error {
	e.mu.Lock()
	if !e.accepted {
		e.buffered = append(e.buffered, f)
		e.mu.Unlock()
		return nil
	}
	handler := e.onMessage
	gates := e.gates
	e.mu.Unlock()

	if gates != nil {
		if err := gates.InputGate.Wait(gates); err != nil {
			return Error.Wrap(err)
		}
	}
	if handler != nil {
		handler(f)
	}
	return nil
}

// validCloseCode enforces section 4.7's close-code rule: 1000 and
// 3000-4999 are valid; 1005 is reserved and invalid for user close.
func validCloseCode(code int) bool {
	return code == 1000 || (code >= 3000 && code <= 4999)
}

// Close closes this end, propagating to the peer once accepted.
// code==0 with reason=="" is a codeless close; a non-empty reason
// without a code is a TypeError, as is closing twice or closing an end
// that has not been accepted.
func (e *End) Close(code int, reason string) error {
	if reason != "" && code == 0 {
		return ErrTypeError
	}
	if code != 0 && !validCloseCode(code) {
		return Error.New("%s: invalid close code %d", ErrTypeError, code)
	}

	e.mu.Lock()
	if !e.accepted {
		e.mu.Unlock()
		return ErrTypeError
	}
	if e.state == Closing || e.state == Closed {
		e.mu.Unlock()
		return ErrTypeError
	}
	e.state = Closing
	peer := e.peer
	gates := e.gates
	e.mu.Unlock()

	if gates != nil {
		if err := gates.OutputGate.Wait(gates); err != nil {
			return Error.Wrap(err)
		}
	}

	info := CloseInfo{Code: code, Reason: reason}
	if code == 0 {
		info.Code = 1000
	}
	return peer.deliverClose(info)
}

func (e *End) deliverClose(info CloseInfo) error {
	e.mu.Lock()
	if !e.accepted {
		e.pendingClose = &info
		e.mu.Unlock()
		return nil
	}
	e.state = Closed
	handler := e.onClose
	gates := e.gates
	e.mu.Unlock()

	if gates != nil {
		if err := gates.InputGate.Wait(gates); err != nil {
			return Error.Wrap(err)
		}
	}
	if handler != nil {
		handler(info)
	}
	return nil
}

// Used reports whether this end has been coupled to a network socket,
// which section 4.7 says makes it ineligible for worker-side Accept.
func (e *End) Used() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coupled
}

func (e *End) markCoupled() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.accepted {
		return Error.New("end already accepted, cannot couple")
	}
	if e.coupled {
		return Error.New("end already coupled")
	}
	e.coupled = true
	return nil
}
