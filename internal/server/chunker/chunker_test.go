package chunker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
	"github.com/codevibesmatter/vibestack-sub001/internal/wire"
)

func newServerConn(t *testing.T) (*wire.Conn, func()) {
	t.Helper()
	var serverWS *websocket.Conn
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		serverWS = c
		close(ready)
		<-r.Context().Done()
	}))

	url := "ws" + srv.URL[len("http"):]
	clientWS, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-ready

	cleanup := func() {
		clientWS.Close(websocket.StatusNormalClosure, "")
		srv.Close()
	}
	return wire.NewConn(serverWS, 0), cleanup
}

func TestSendThenAckStopsTimer(t *testing.T) {
	conn, cleanup := newServerConn(t)
	defer cleanup()

	s := NewSender(conn, 50*time.Millisecond)
	msg := protocol.CatchupChanges{
		Envelope: protocol.Envelope{Type: protocol.TypeCatchupChanges, MessageID: "m1"},
		Sequence: protocol.Sequence{Chunk: 1, Total: 1},
		LastLSN:  lsn.MustParse("0/1"),
	}
	if err := s.Send(context.Background(), "m1", 1, msg); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 1 {
		t.Fatalf("expected 1 pending chunk, got %d", s.Pending())
	}

	if !s.Ack("m1", 1) {
		t.Fatal("expected Ack to report the chunk was pending")
	}
	if s.Pending() != 0 {
		t.Fatalf("expected 0 pending after ack, got %d", s.Pending())
	}

	select {
	case ev := <-s.Timeouts():
		t.Fatalf("unexpected timeout event after ack: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDuplicateAckIsNoop(t *testing.T) {
	conn, cleanup := newServerConn(t)
	defer cleanup()

	s := NewSender(conn, time.Second)
	msg := protocol.Heartbeat{Envelope: protocol.Envelope{Type: protocol.TypeHeartbeat, MessageID: "m1"}}
	if err := s.Send(context.Background(), "m1", 1, msg); err != nil {
		t.Fatal(err)
	}
	if !s.Ack("m1", 1) {
		t.Fatal("first ack should report pending")
	}
	if s.Ack("m1", 1) {
		t.Fatal("duplicate ack should report not-pending")
	}
}

func TestChunkTimeoutFires(t *testing.T) {
	conn, cleanup := newServerConn(t)
	defer cleanup()

	s := NewSender(conn, 20*time.Millisecond)
	msg := protocol.Heartbeat{Envelope: protocol.Envelope{Type: protocol.TypeHeartbeat, MessageID: "m1"}}
	if err := s.Send(context.Background(), "m1", 1, msg); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-s.Timeouts():
		if ev.MessageID != "m1" || ev.Chunk != 1 {
			t.Fatalf("unexpected timeout event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a timeout event")
	}
}

func TestChunksSplitsIntoFixedSizeGroups(t *testing.T) {
	changes := make([]protocol.Change, ChunkSize+1)
	for i := range changes {
		changes[i] = protocol.Change{Table: "tasks", Operation: protocol.OpInsert}
	}
	groups, total := Chunks(changes)
	if total != 2 {
		t.Fatalf("expected 2 chunks, got %d", total)
	}
	if len(groups[0]) != ChunkSize || len(groups[1]) != 1 {
		t.Fatalf("unexpected group sizes: %d, %d", len(groups[0]), len(groups[1]))
	}
}
