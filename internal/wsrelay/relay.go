// Package wsrelay upgrades matched WebSocket requests and ferries frames
// bidirectionally between the client and the rule's target.
package wsrelay

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/logging"
	"github.com/edgegate/edgegate/internal/rules"
)

// IsUpgradeRequest reports whether the request asks for a WebSocket upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// Relay performs WebSocket upgrades and frame forwarding.
type Relay struct {
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// New creates a relay. Origin checks are delegated to the gateway's CORS
// layer, so the upgrader accepts any origin.
func New() *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
			Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
				http.Error(w, "WebSocket upgrade failed", http.StatusInternalServerError)
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Serve upgrades the client connection and relays frames to the rule's
// target until either side closes. Returns the status to record for the
// request log: 101 on a completed upgrade, 500 on failure.
func (rl *Relay) Serve(w http.ResponseWriter, r *http.Request, rule *rules.CompiledRule, rewrittenPath string) int {
	if _, ok := w.(http.Hijacker); !ok {
		http.Error(w, "WebSocket server not configured", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	client, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error response
		logging.Debug("websocket upgrade failed", zap.String("rule", rule.ID), zap.Error(err))
		return http.StatusInternalServerError
	}
	defer client.Close()

	target := rule.TargetURL()
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = rewrittenPath
	target.RawQuery = r.URL.RawQuery

	upstream, _, err := rl.dialer.Dial(target.String(), forwardedHeaders(r.Header))
	if err != nil {
		logging.Debug("websocket dial failed",
			zap.String("rule", rule.ID),
			zap.String("target", target.String()),
			zap.Error(err),
		)
		closeWith(client, websocket.CloseInternalServerErr, "Failed to connect to target")
		return http.StatusSwitchingProtocols
	}
	defer upstream.Close()

	ferry(client, upstream)
	return http.StatusSwitchingProtocols
}

// forwardedHeaders selects client handshake headers safe to replay on the
// upstream dial. The websocket-specific ones are regenerated by the dialer
// and must not be copied.
func forwardedHeaders(h http.Header) http.Header {
	out := make(http.Header)
	for k, vv := range h {
		switch k {
		case "Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version",
			"Sec-Websocket-Extensions", "Sec-Websocket-Protocol":
			continue
		}
		out[k] = vv
	}
	return out
}

// ferry runs both pump directions and waits until one side terminates,
// propagating the close code and reason to the other.
func ferry(client, upstream *websocket.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(upstream, client, "Target connection error")
	}()
	go func() {
		defer wg.Done()
		pump(client, upstream, "Client connection error")
	}()
	wg.Wait()
}

// pump forwards messages from src to dst. On a clean close it mirrors the
// code and reason; on a transport error it closes dst with 1011.
func pump(src, dst *websocket.Conn, errReason string) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				closeWith(dst, closeErr.Code, closeErr.Text)
			} else {
				closeWith(dst, websocket.CloseInternalServerErr, errReason)
			}
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
