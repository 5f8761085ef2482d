package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/guseggert/procd/frame"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// HeartbeatResponse is served by the admin /heartbeat endpoint.
type HeartbeatResponse struct {
	StartedAt string
	Sessions  int
	Processes int
}

func (d *Daemon) adminRouter() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", d.heartbeat)
	router.Handler(http.MethodGet, "/metrics", d.metrics.Handler())
	router.GET("/ws", d.tunnelWS)
	return router
}

func (d *Daemon) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := HeartbeatResponse{
		StartedAt: d.startedAt.UTC().Format(time.RFC3339),
		Sessions:  d.SessionCount(),
		Processes: len(d.registry.List()),
	}
	b, err := json.Marshal(response)
	if err != nil {
		d.logger.Debugf("error marshaling heartbeat response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// tunnelWS serves the encrypted protocol over a WebSocket, for clients that can only reach the daemon over HTTP.
// The session is the same as on the TCP listener, handshake included.
func (d *Daemon) tunnelWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		d.logger.Debugf("WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(frame.MaxPayload + frame.TagSize + 4)
	conn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)

	select {
	case <-d.closed:
		conn.Close()
		return
	default:
	}
	d.sessionsWG.Add(1)
	defer d.sessionsWG.Done()
	d.runSession(r.Context(), conn)
}
