package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cloudflare/miniflare-sub008/internal/gating"
	"github.com/cloudflare/miniflare-sub008/internal/wspair"
)

// reservedHeaderPrefixes are stripped from every request before the
// worker sees it (section 6: "MF-*, custom-service bridging headers").
var reservedHeaderPrefixes = []string{"Mf-", "Cf-Ew-"}

type ctxKey int

const wsEndKey ctxKey = 0

// PairFromContext returns the WebSocket pair end a worker should Accept
// to handle an upgrade request, if this request is one.
func PairFromContext(ctx context.Context) (*wspair.End, bool) {
	end, ok := ctx.Value(wsEndKey).(*wspair.End)
	return end, ok
}

// Server is the HTTP front-end of section 6: it serves an Instance's
// Fetch responses, negotiates the WebSocket upgrade and hands the
// accepted socket to wspair, strips reserved headers, and translates
// handler errors into the JSON error body convention.
type Server struct {
	Instance        Instance
	Log             *zap.SugaredLogger
	RequestDepth    int
	PipelineDepth   int
	SubrequestLimit int

	upgrader websocket.Upgrader
}

// NewServer constructs a front-end for instance, charging every request
// context a fresh subrequest Budget built from the given limits
// (section 5).
func NewServer(instance Instance, requestDepth, pipelineDepth, subrequestLimit int, log *zap.SugaredLogger) *Server {
	return &Server{
		Instance:        instance,
		Log:             log,
		RequestDepth:    requestDepth,
		PipelineDepth:   pipelineDepth,
		SubrequestLimit: subrequestLimit,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stripReservedHeaders(r.Header)

	gctx := gating.New(r.Context(), gating.NewBudget(s.RequestDepth, s.PipelineDepth, s.SubrequestLimit))
	r = r.WithContext(gctx)

	upgrade := websocket.IsWebSocketUpgrade(r)
	var workerEnd, bridgeEnd *wspair.End
	if upgrade {
		bridgeEnd, workerEnd = wspair.NewPair()
		r = r.WithContext(context.WithValue(r.Context(), wsEndKey, workerEnd))
	}

	resp, err := s.Instance.Fetch(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer func() {
		if resp.Body != nil {
			resp.Body.Close()
		}
	}()

	if upgrade && resp.StatusCode == http.StatusSwitchingProtocols {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			if s.Log != nil {
				s.Log.Warnw("websocket upgrade failed", "error", err)
			}
			return
		}
		if _, err := wspair.Couple(gctx, conn, bridgeEnd, gctx.Budget); err != nil {
			if s.Log != nil {
				s.Log.Warnw("websocket coupling failed", "error", err)
			}
			conn.Close()
		}
		return
	}

	if err := gctx.OutputGate.Wait(gctx); err != nil {
		s.writeError(w, err)
		return
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		io.Copy(w, resp.Body)
	}
}

// stripReservedHeaders removes every header matching a reserved prefix
// from header, in place.
func stripReservedHeaders(header http.Header) {
	for k := range header {
		for _, prefix := range reservedHeaderPrefixes {
			if strings.HasPrefix(k, prefix) {
				header.Del(k)
				break
			}
		}
	}
}

// writeError converts an uncaught handler error into section 6's JSON
// error body, logging it (section 7: "The front-end converts uncaught
// errors to 500 responses and logs them").
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, name := classify(err)
	body := errorBody{Name: name, Message: err.Error()}

	if stack := errorStack(err); stack != "" {
		body.Stack = stack
		w.Header().Set("MF-Experimental-Error-Stack", "true")
	}
	if s.Log != nil {
		s.Log.Errorw("worker fetch failed", "status", status, "name", name, "error", err)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorStack renders the errs.Unwrap chain as a deterministic
// newline-joined stack, per SPEC_FULL.md's note that stack capture must
// stay deterministic for tests rather than use runtime.Stack.
func errorStack(err error) string {
	var lines []string
	for err != nil {
		lines = append(lines, err.Error())
		next := errs.Unwrap(err)
		if next == err || next == nil {
			break
		}
		err = next
	}
	if len(lines) <= 1 {
		return ""
	}
	return strings.Join(lines, "\n")
}
