package wsbroker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/internal/logging"
)

const hubWriteTimeout = 5 * time.Second

// Hub is a minimal websocket message hub. Each connection may subscribe to
// topics; a publish is relayed to every connection subscribed to its topic.
type Hub struct {
	logger *zap.Logger

	mu    sync.Mutex
	peers map[*peer]struct{}
}

type peer struct {
	conn *websocket.Conn

	mu     sync.Mutex
	topics map[string]bool
}

func (p *peer) subscribed(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topics[topic]
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{logger: logging.Or(logger), peers: make(map[*peer]struct{})}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(defaultReadLimit)

	p := &peer{conn: conn, topics: make(map[string]bool)}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.peers, p)
		h.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		switch f.Op {
		case opSubscribe:
			p.mu.Lock()
			p.topics[f.Topic] = true
			p.mu.Unlock()
		case opUnsubscribe:
			p.mu.Lock()
			delete(p.topics, f.Topic)
			p.mu.Unlock()
		case opPublish:
			h.broadcast(ctx, f)
		}
	}
}

func (h *Hub) broadcast(ctx context.Context, f frame) {
	f.Op = opMessage
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		if p.subscribed(f.Topic) {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, p := range targets {
		writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
		if err := p.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
			h.logger.Debug("relay failed", zap.String("topic", f.Topic), zap.Error(err))
		}
		cancel()
	}
}

// Peers reports the number of connected brokers.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Subscribers reports the number of connections subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for p := range h.peers {
		if p.subscribed(topic) {
			n++
		}
	}
	return n
}

// Disconnect drops every connection. Brokers reconnect on their own.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close(websocket.StatusGoingAway, "hub disconnect")
	}
}
