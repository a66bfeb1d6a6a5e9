package network

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboards may be served from another origin
	},
}

// HandleWS upgrades an authenticated request to a dashboard stream.
// GET /ws?token=...
func (a *API) HandleWS(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	if a.opts.Hub.Full(s.ID) {
		jsonError(w, "too many viewers for this session", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.opts.Logger.Warn("failed to upgrade websocket connection", "error", err)
		return
	}

	client := NewClient(a.opts.Hub, s, conn)
	if !client.Register() {
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.WritePump()
	go client.ReadPump()
}
