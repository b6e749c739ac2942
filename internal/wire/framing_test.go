package wire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/codevibesmatter/vibestack-sub001/internal/protocol"
)

func newPipe(t *testing.T) (client, server *Conn, closeAll func()) {
	t.Helper()
	var srvConn *websocket.Conn
	accepted := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		srvConn = c
		close(accepted)
	})
	srv := httptest.NewServer(mux)

	url := "ws" + srv.URL[len("http"):] + "/ws"
	cliConn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-accepted

	client = NewConn(cliConn, time.Minute)
	server = NewConn(srvConn, time.Minute)
	return client, server, func() {
		cliConn.Close(websocket.StatusNormalClosure, "")
		srvConn.Close(websocket.StatusNormalClosure, "")
		srv.Close()
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	client, server, closeAll := newPipe(t)
	defer closeAll()

	msg := protocol.Sync{
		Envelope: protocol.Envelope{Type: protocol.TypeSync, MessageID: "m1"},
		ClientID: "abc",
	}
	if err := client.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	frame, err := server.Recv(context.Background())
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if frame.Type != protocol.TypeSync || frame.MessageID != "m1" {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	var decoded protocol.Sync
	if err := frame.Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ClientID != "abc" {
		t.Fatalf("ClientID = %q, want abc", decoded.ClientID)
	}
}

func TestRecvMissingType(t *testing.T) {
	client, server, closeAll := newPipe(t)
	defer closeAll()

	if err := client.ws.Write(context.Background(), websocket.MessageText, []byte(`{"messageId":"x"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := server.Recv(context.Background()); err == nil {
		t.Fatal("expected framing error for missing type")
	}
}

func TestRecvMalformedJSON(t *testing.T) {
	client, server, closeAll := newPipe(t)
	defer closeAll()

	if err := client.ws.Write(context.Background(), websocket.MessageText, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := server.Recv(context.Background()); err == nil {
		t.Fatal("expected framing error for malformed JSON")
	}
}

func TestIsStale(t *testing.T) {
	client, server, closeAll := newPipe(t)
	defer closeAll()
	server.heartbeatInterval = time.Millisecond

	if server.IsStale() {
		t.Fatal("freshly constructed conn should not be stale")
	}
	time.Sleep(10 * time.Millisecond)
	if !server.IsStale() {
		t.Fatal("expected conn to be stale after 2x heartbeat interval with no traffic")
	}

	msg := protocol.Sync{Envelope: protocol.Envelope{Type: protocol.TypeSync, MessageID: "m1"}}
	if err := client.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := server.Recv(context.Background()); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if server.IsStale() {
		t.Fatal("expected conn to no longer be stale right after Recv")
	}
}

func TestSyncCompletedSynonym(t *testing.T) {
	client, server, closeAll := newPipe(t)
	defer closeAll()

	if err := client.ws.Write(context.Background(), websocket.MessageText,
		[]byte(`{"type":"sync_completed","messageId":"m2","finalLSN":"0/a","changeCount":1,"success":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame, err := server.Recv(context.Background())
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if frame.Type != protocol.TypeCatchupCompleted {
		t.Fatalf("type = %q, want normalized catchup_completed", frame.Type)
	}
}
