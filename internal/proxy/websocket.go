package proxy

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agentgate/internal/monitor"
	"agentgate/internal/session"
)

// Close codes surfaced to the client before any frame crosses the tunnel.
const (
	closeUnauthorized  = 4401 // no live session for the cookie
	closeTryAgainLater = 1013 // backend dial failed
)

// serveWebSocket bridges an upgrade request into a bidirectional frame
// tunnel with the backend's WebSocket endpoint.
func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request, s *session.Session, ok bool) {
	if !ok {
		p.closeHandshake(w, r, closeUnauthorized)
		return
	}

	target := fmt.Sprintf("ws://127.0.0.1:%d%s", s.BackendPort, r.URL.RequestURI())

	dialer := *p.dialer
	dialer.Subprotocols = subprotocols(r)
	backend, resp, err := dialer.Dial(target, websocketForwardHeaders(r.Header))
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		p.dispatchFailed(s, err)
		p.closeHandshake(w, r, closeTryAgainLater)
		return
	}

	// Echo the negotiated subprotocol back to the client.
	var respHeader http.Header
	if proto := backend.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}

	client, err := p.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		backend.Close()
		return
	}

	s.ResetFailures()
	p.registry.UpdateActivity(s.ID)
	p.tunnel(client, backend, s)
}

// closeHandshake completes the upgrade only to deliver a close code, so
// browser clients see why the tunnel was refused.
func (p *Proxy) closeHandshake(w http.ResponseWriter, r *http.Request, code int) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

// tunnel copies frames in both directions until either side closes or
// errors. Closing one side promptly closes the other; there are no
// half-open tunnels.
func (p *Proxy) tunnel(client, backend *websocket.Conn, s *session.Session) {
	p.tunnels.Add(1)
	monitor.WebsocketTunnels.Inc()
	defer func() {
		p.tunnels.Add(-1)
		monitor.WebsocketTunnels.Dec()
	}()

	errc := make(chan error, 2)
	go p.copyFrames(backend, client, s, errc)
	go p.copyFrames(client, backend, s, errc)

	// First failure in either direction tears the tunnel down. Closing
	// both conns unblocks the surviving pump.
	<-errc
	client.Close()
	backend.Close()
	<-errc
}

// copyFrames pumps one direction, preserving message types and frame
// order. Every forwarded frame counts as session activity.
func (p *Proxy) copyFrames(dst, src *websocket.Conn, s *session.Session, errc chan<- error) {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			// Relay the close code before tearing down.
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseNoStatusReceived {
				deadline := time.Now().Add(time.Second)
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(ce.Code, ce.Text), deadline)
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			errc <- err
			return
		}
		s.Touch()
	}
}
