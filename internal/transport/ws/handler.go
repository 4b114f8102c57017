package ws

import (
	"net/http"

	"guildstats/internal/logger"

	"github.com/gorilla/websocket"
)

type OriginPolicy interface {
	OriginAllowed(origin string) bool
}

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      logger.Logger
}

func NewHandler(hub *Hub, origins OriginPolicy, log logger.Logger) *Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if !origins.OriginAllowed(origin) {
				log.Warn("ws: origin rejected", "origin", origin)
				return false
			}
			return true
		},
	}

	return &Handler{
		hub:      hub,
		upgrader: upgrader,
		log:      log,
	}
}

func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws: upgrade failed", "error", err)
		return
	}

	c := NewClient(h.hub, conn, h.log)
	h.hub.Register(c)

	go c.writePump()
	go c.readPump()

	h.log.Debug("ws: connection upgraded", "id", c.ID(), "remote_addr", conn.RemoteAddr())
}
