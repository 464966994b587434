package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"priorityq/internal/models"
)

const writeTimeout = 5 * time.Second

// StatsSource supplies the counts pushed to clients
type StatsSource interface {
	Namespace() models.Namespace
	Stats(ctx context.Context) (models.Stats, error)
}

// Update is the message sent to every client
type Update struct {
	Namespace string       `json:"namespace"`
	Stats     models.Stats `json:"stats"`
}

type client struct {
	conn *websocket.Conn
	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex
}

// Manager manages WebSocket connections and broadcasts
type Manager struct {
	clients   map[*client]struct{}
	clientsMu sync.Mutex
	source    StatsSource
	logger    *zap.Logger
}

// New creates a new WebSocket manager
func New(source StatsSource, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		clients: make(map[*client]struct{}),
		source:  source,
		logger:  logger,
	}
}

// AddClient registers conn, sends it the current stats and drops it once
// the peer goes away.
func (m *Manager) AddClient(conn *websocket.Conn) {
	c := &client{conn: conn}
	m.clientsMu.Lock()
	m.clients[c] = struct{}{}
	total := len(m.clients)
	m.clientsMu.Unlock()

	m.logger.Info("client connected", zap.Int("clients", total))

	if update, err := m.snapshot(); err == nil {
		m.send(c, update)
	}

	go func() {
		defer m.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (m *Manager) remove(c *client) {
	m.clientsMu.Lock()
	delete(m.clients, c)
	total := len(m.clients)
	m.clientsMu.Unlock()
	c.conn.Close()
	m.logger.Info("client disconnected", zap.Int("clients", total))
}

func (m *Manager) snapshot() (Update, error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	st, err := m.source.Stats(ctx)
	if err != nil {
		m.logger.Error("failed to read stats for broadcast", zap.Error(err))
		return Update{}, err
	}
	return Update{Namespace: m.source.Namespace().String(), Stats: st}, nil
}

// Broadcast sends the current stats to all connected clients
func (m *Manager) Broadcast() {
	m.clientsMu.Lock()
	if len(m.clients) == 0 {
		m.clientsMu.Unlock()
		return
	}
	targets := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		targets = append(targets, c)
	}
	m.clientsMu.Unlock()

	update, err := m.snapshot()
	if err != nil {
		return
	}
	for _, c := range targets {
		go m.send(c, update)
	}
}

func (m *Manager) send(c *client, update Update) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(update); err != nil {
		m.logger.Warn("failed to send websocket update", zap.Error(err))
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
