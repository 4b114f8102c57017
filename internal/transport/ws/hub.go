// Package ws
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"guildstats/internal/domain"
	"guildstats/internal/logger"
	"guildstats/internal/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const throttleSize = 4096

// Subscriber is one realtime connection held by the hub.
type Subscriber interface {
	ID() string
	Send(message []byte) error
	Close()
}

type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	subscribers map[Subscriber]bool
	last        []byte
	count       atomic.Int64

	register   chan Subscriber
	unregister chan Subscriber
	broadcast  chan []byte

	throttle  *expirable.LRU[string, struct{}]
	onRequest func()

	log     logger.Logger
	metrics *metrics.Metrics
}

// NewHub builds a hub. requestInterval is the minimum time between two
// requestStats messages honored from the same subscriber; zero disables it.
func NewHub(parent context.Context, requestInterval time.Duration, log logger.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(parent)

	h := &Hub{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),

		subscribers: make(map[Subscriber]bool),

		register:   make(chan Subscriber),
		unregister: make(chan Subscriber),
		broadcast:  make(chan []byte),

		onRequest: func() {},

		log:     log,
		metrics: m,
	}

	if requestInterval > 0 {
		h.throttle = expirable.NewLRU[string, struct{}](throttleSize, nil, requestInterval)
	}

	return h
}

// HandleRequests sets what runs when a subscriber asks for fresh stats.
// Call it before Run.
func (h *Hub) HandleRequests(fn func()) {
	h.onRequest = fn
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.log.Info("ws: hub shutting down", "subscribers", len(h.subscribers))
			for s := range h.subscribers {
				s.Close()
			}
			h.subscribers = map[Subscriber]bool{}
			h.updateCount()
			return

		case s := <-h.register:
			h.subscribers[s] = true
			h.updateCount()
			h.log.Info("ws: client connected", "id", s.ID(), "total_clients", len(h.subscribers))

			if h.last != nil {
				if err := deliver(s, h.last); err != nil {
					h.drop(s, err)
				}
			}

		case s := <-h.unregister:
			if !h.subscribers[s] {
				continue
			}
			delete(h.subscribers, s)
			s.Close()
			h.updateCount()
			h.log.Info("ws: client disconnected", "id", s.ID(), "total_clients", len(h.subscribers))

		case message := <-h.broadcast:
			h.last = message
			for s := range h.subscribers {
				if err := deliver(s, message); err != nil {
					h.drop(s, err)
				}
			}
			h.metrics.BroadcastTotal.Inc()
		}
	}
}

func (h *Hub) Stop() {
	h.cancel()
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Register(s Subscriber) {
	select {
	case h.register <- s:
	case <-h.ctx.Done():
		s.Close()
	}
}

func (h *Hub) Unregister(s Subscriber) {
	select {
	case h.unregister <- s:
	case <-h.ctx.Done():
	}
}

// Publish pushes stats to every connected subscriber. Delivery is
// fire-and-forget per subscriber.
func (h *Hub) Publish(stats domain.ServerStats) {
	message, err := json.Marshal(&domain.WsServerEvent{
		Event:   domain.WsEventServerStatsUpdate,
		Payload: stats,
	})
	if err != nil {
		h.log.Error("ws: failed to marshal stats event", "error", err)
		return
	}

	select {
	case h.broadcast <- message:
	case <-h.ctx.Done():
	}
}

// RequestStats handles a subscriber's requestStats message and reports
// whether it was honored.
func (h *Hub) RequestStats(s Subscriber) bool {
	if h.throttle != nil {
		if h.throttle.Contains(s.ID()) {
			h.log.Debug("ws: requestStats throttled", "id", s.ID())
			return false
		}
		h.throttle.Add(s.ID(), struct{}{})
	}

	h.onRequest()
	return true
}

func (h *Hub) Count() int {
	return int(h.count.Load())
}

func (h *Hub) drop(s Subscriber, err error) {
	h.log.Warn("ws: delivery failed, dropping client", "id", s.ID(), "error", err)
	delete(h.subscribers, s)
	s.Close()
	h.updateCount()
}

func (h *Hub) updateCount() {
	h.count.Store(int64(len(h.subscribers)))
	h.metrics.Subscribers.Set(float64(len(h.subscribers)))
}

func deliver(s Subscriber, message []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()

	return s.Send(message)
}
