package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"priorityq/internal/models"
)

type fixedSource struct {
	stats models.Stats
}

func (fixedSource) Namespace() models.Namespace {
	return models.Namespace{Database: "priorityq", Collection: "items"}
}

func (f fixedSource) Stats(context.Context) (models.Stats, error) { return f.stats, nil }

func newServer(t *testing.T, m *Manager) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.AddClient(conn)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var u Update
	if err := conn.ReadJSON(&u); err != nil {
		t.Fatalf("read update: %v", err)
	}
	return u
}

func TestClientReceivesSnapshotAndBroadcasts(t *testing.T) {
	m := New(fixedSource{stats: models.Stats{Available: 3, Claimed: 1}}, nil)
	conn := newServer(t, m)

	u := readUpdate(t, conn)
	if u.Namespace != "priorityq.items" || u.Stats.Available != 3 || u.Stats.Claimed != 1 {
		t.Fatalf("initial update = %+v", u)
	}

	deadline := time.Now().Add(time.Second)
	for m.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d", m.ClientCount())
		}
		time.Sleep(time.Millisecond)
	}

	m.Broadcast()
	if u := readUpdate(t, conn); u.Stats.Available != 3 {
		t.Fatalf("broadcast update = %+v", u)
	}
}

func TestClientRemovedOnClose(t *testing.T) {
	m := New(fixedSource{}, nil)
	conn := newServer(t, m)
	readUpdate(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("closed client still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
