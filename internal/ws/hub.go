// Package ws streams reconciliation outcomes to websocket subscribers.
package ws

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/service/reconcile"
)

// TopicAll receives every outcome regardless of target.
const TopicAll = "all"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// OutcomeMessage is the payload pushed to subscribers.
type OutcomeMessage struct {
	EventID    string            `json:"event_id"`
	Account    string            `json:"account"`
	TaskArn    string            `json:"task_arn"`
	Group      string            `json:"group"`
	Outcome    reconcile.Outcome `json:"outcome"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	ObservedAt time.Time         `json:"observed_at"`
}

// Hub manages stream subscriptions by outcome target.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	logger    *slog.Logger
}

// message couples payload with a topic.
type message struct {
	topic   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		done:      make(chan struct{}),
		logger:    logger.With("component", "ws"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.topic]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.topic)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.topic, msg.payload)
			if msg.topic != TopicAll {
				h.deliver(TopicAll, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(topic string, payload []byte) {
	clients, ok := h.clients[topic]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, topic)
	}
}

// Register adds a client to a topic stream.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for all topic clients. It drops the payload when
// the queue is full so event handling never waits on slow subscribers.
func (h *Hub) Broadcast(topic string, payload []byte) {
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
	case <-h.done:
	default:
		h.logger.Warn("outcome stream backlog full, dropping message", "topic", topic)
	}
}

// Observe publishes a handled event to subscribers of its target.
func (h *Hub) Observe(event domain.TaskStateChangeEvent, out reconcile.Outcome, elapsed time.Duration) {
	payload, err := json.Marshal(OutcomeMessage{
		EventID:    event.ID,
		Account:    event.Account,
		TaskArn:    event.Detail.TaskArn,
		Group:      event.Detail.Group,
		Outcome:    out,
		Error:      out.ErrorText(),
		DurationMS: elapsed.Milliseconds(),
		ObservedAt: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Warn("failed to encode outcome", "event_id", event.ID, "error", err)
		return
	}
	topic := out.Target
	if topic == "" {
		topic = TopicAll
	}
	h.Broadcast(topic, payload)
}

// Close stops the dispatch loop and disconnects every client.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
