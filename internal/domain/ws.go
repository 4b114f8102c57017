package domain

import "encoding/json"

const (
	WsEventServerStatsUpdate = "serverStatsUpdate"
	WsEventRequestStats      = "requestStats"
)

type WsClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type WsServerEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}
