package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/questhub-engine/internal/domain"
)

// Message types
const (
	MessageTypeLeaderboardUpdate = "leaderboard_update"
	MessageTypeSubscribe         = "subscribe"
	MessageTypeUnsubscribe       = "unsubscribe"
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
	MessageTypeError             = "error"
)

// TopicLeaderboard is the public ranking feed
const TopicLeaderboard = "leaderboard"

// Message represents a WebSocket message. Participant-scoped messages are
// only delivered to that participant's connections.
type Message struct {
	Type          string      `json:"type"`
	ParticipantID string      `json:"participant_id,omitempty"`
	Topic         string      `json:"topic,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// LeaderboardUpdate contains ranking data for broadcast
type LeaderboardUpdate struct {
	Entries []domain.RankEntry `json:"entries"`
}

// Hub maintains the set of active clients and routes messages to them
type Hub struct {
	// Connections by participant ID
	participants map[string]map[*Client]bool

	// Topic subscriptions
	topics map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu     sync.RWMutex
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	topic  string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		participants: make(map[string]map[*Client]bool),
		topics:       make(map[string]map[*Client]bool),
		allClients:   make(map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan *Message, 256),
		subscribe:    make(chan *subscriptionRequest, 64),
		unsubscribe:  make(chan *subscriptionRequest, 64),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping", "connections", h.GetTotalConnections())
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			addMember(h.participants, client.participantID, client)
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id, "participant_id", client.participantID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				removeMember(h.participants, client.participantID, client)
				for topic := range h.topics {
					removeMember(h.topics, topic, client)
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if h.allClients[req.client] {
				addMember(h.topics, req.topic, req.client)
			}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "topic", req.topic)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			removeMember(h.topics, req.topic, req.client)
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "topic", req.topic)

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

func addMember(index map[string]map[*Client]bool, key string, c *Client) {
	if _, ok := index[key]; !ok {
		index[key] = make(map[*Client]bool)
	}
	index[key][c] = true
}

func removeMember(index map[string]map[*Client]bool, key string, c *Client) {
	if clients, ok := index[key]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(index, key)
		}
	}
}

// Stop stops the hub and closes every connection
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.allClients {
		close(client.send)
	}
	h.allClients = make(map[*Client]bool)
	h.participants = make(map[string]map[*Client]bool)
	h.topics = make(map[string]map[*Client]bool)
}

// deliver sends a message to the connections it is addressed to
func (h *Hub) deliver(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	var targets map[*Client]bool
	switch {
	case message.ParticipantID != "":
		targets = h.participants[message.ParticipantID]
	case message.Topic != "":
		targets = h.topics[message.Topic]
	default:
		targets = h.allClients
	}
	for client := range targets {
		select {
		case client.send <- data:
		default:
			// Client's buffer is full, skip
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", message.Type)
	}
}

// BroadcastEvent pushes a participant event to that participant's
// connections. It has the listener signature of the identity resolver.
func (h *Hub) BroadcastEvent(event domain.Event) {
	if event.ParticipantID == "" {
		return
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	h.enqueue(&Message{
		Type:          event.Type,
		ParticipantID: event.ParticipantID,
		Data:          event.Data,
		Timestamp:     ts,
	})
}

// BroadcastLeaderboardUpdate sends the current top of the ranking to
// leaderboard subscribers
func (h *Hub) BroadcastLeaderboardUpdate(entries []domain.RankEntry) {
	h.enqueue(&Message{
		Type:      MessageTypeLeaderboardUpdate,
		Topic:     TopicLeaderboard,
		Data:      LeaderboardUpdate{Entries: entries},
		Timestamp: time.Now(),
	})
}

// Register adds a client to the hub. A client arriving after Stop is
// closed straight away.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		close(client.send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds a client to a topic
func (h *Hub) Subscribe(client *Client, topic string) {
	select {
	case h.subscribe <- &subscriptionRequest{client: client, topic: topic}:
	case <-h.ctx.Done():
	}
}

// Unsubscribe removes a client from a topic
func (h *Hub) Unsubscribe(client *Client, topic string) {
	select {
	case h.unsubscribe <- &subscriptionRequest{client: client, topic: topic}:
	case <-h.ctx.Done():
	}
}

// GetSubscriberCount returns the number of subscribers for a topic
func (h *Hub) GetSubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// GetParticipantConnections returns the open connections of a participant
func (h *Hub) GetParticipantConnections(participantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.participants[participantID])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
