// Package sse fans routing events out to server-sent-event subscribers.
package sse

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// TopicAll receives every event.
const TopicAll = "*"

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a buffered channel for topic, which is either TopicAll
// or a recipient address. Slow subscribers miss events rather than block
// publishers.
func (h *Hub) Subscribe(topic string) (chan []byte, func()) {
	topic = normalizeTopic(topic)
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[chan []byte]struct{})
	}
	h.subs[topic][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[topic]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, topic)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast delivers payload once to every subscriber of TopicAll and of the
// given topics.
func (h *Hub) Broadcast(topics []string, payload []byte) {
	unique := map[string]struct{}{TopicAll: {}}
	for _, topic := range topics {
		if topic = normalizeTopic(topic); topic == "" {
			continue
		}
		unique[topic] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := map[chan []byte]struct{}{}
	for topic := range unique {
		for ch := range h.subs[topic] {
			if _, ok := sent[ch]; ok {
				continue
			}
			sent[ch] = struct{}{}
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

// Subscribers counts the live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

// Event is the payload of a "run" event.
type Event struct {
	ID        string   `json:"id"`
	TxID      string   `json:"tx"`
	Status    string   `json:"status"`
	From      string   `json:"from"`
	Subject   string   `json:"subject"`
	Original  []string `json:"original"`
	Final     []string `json:"final"`
	Error     string   `json:"error,omitempty"`
	CreatedAt string   `json:"createdAt"`
}

// Publish broadcasts ev to TopicAll and to every original and final
// recipient.
func (h *Hub) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	topics := append(append([]string{}, ev.Original...), ev.Final...)
	h.Broadcast(topics, []byte(fmt.Sprintf("event: run\ndata: %s\n\n", data)))
	return nil
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}
