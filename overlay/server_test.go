// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package overlay

import (
	"net"
	"testing"
	"time"

	"github.com/decred/slog"

	"github.com/likecoin-dev/coinffeine/internal/cx"
)

func testLogger() cx.Logger {
	return cx.StdOutLogger("TEST", slog.LevelOff)
}

func startTestServer(t *testing.T) (addr string, quit chan struct{}) {
	t.Helper()
	s := NewServer(testLogger())
	if err := s.Bind("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	quit = make(chan struct{})
	go s.Run(quit)
	t.Cleanup(func() { close(quit) })
	return s.ln.Addr().String(), quit
}

func dialAndJoin(t *testing.T, addr string, id EndpointID) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeRelay(conn, RelayMessage{Payload: joinPayload{ID: id}.marshal()}); err != nil {
		t.Fatal(err)
	}
	return conn
}

// TestDuplicateIDLastWriterWins covers scenario 6: worker A joins as id=X,
// then worker B joins as id=X; A receives a terminated connection, and
// surviving workers see the post-swap network size.
func TestDuplicateIDLastWriterWins(t *testing.T) {
	addr, _ := startTestServer(t)
	id := EndpointID{1, 2, 3}

	connA := dialAndJoin(t, addr, id)
	defer connA.Close()

	frA, err := readFrame(connA)
	if err != nil {
		t.Fatal(err)
	}
	if frA.status == nil || frA.status.NetworkSize != 1 {
		t.Fatalf("A's join ack = %+v, want network_size 1", frA)
	}

	connB := dialAndJoin(t, addr, id)
	defer connB.Close()

	// A's connection should be terminated (read returns an error/EOF).
	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFrame(connA); err == nil {
		t.Fatalf("expected A's connection to be terminated after duplicate join")
	}

	frB, err := readFrame(connB)
	if err != nil {
		t.Fatal(err)
	}
	if frB.status == nil || frB.status.NetworkSize != 1 {
		t.Fatalf("B's join ack = %+v, want network_size 1 (post-swap)", frB)
	}
}

// TestRelayForwarding covers best-effort unicast between two joined peers.
func TestRelayForwarding(t *testing.T) {
	addr, _ := startTestServer(t)
	idA := EndpointID{0xA}
	idB := EndpointID{0xB}

	connA := dialAndJoin(t, addr, idA)
	defer connA.Close()
	if _, err := readFrame(connA); err != nil { // join ack
		t.Fatal(err)
	}

	connB := dialAndJoin(t, addr, idB)
	defer connB.Close()
	if _, err := readFrame(connB); err != nil { // join ack
		t.Fatal(err)
	}
	// A sees the broadcast triggered by B joining.
	if _, err := readFrame(connA); err != nil {
		t.Fatal(err)
	}

	if err := writeRelay(connA, RelayMessage{EndpointID: idB, Payload: []byte("hi")}); err != nil {
		t.Fatal(err)
	}

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr, err := readFrame(connB)
	if err != nil {
		t.Fatal(err)
	}
	if fr.relay == nil || fr.relay.EndpointID != idA || string(fr.relay.Payload) != "hi" {
		t.Fatalf("got %+v, want relay from A with payload 'hi'", fr.relay)
	}
}

// TestRelayToUnknownEndpointDropped covers the drop-and-log absent-recipient
// path: the relay does not error, it simply doesn't forward.
func TestRelayToUnknownEndpointDropped(t *testing.T) {
	addr, _ := startTestServer(t)
	idA := EndpointID{0xA}
	connA := dialAndJoin(t, addr, idA)
	defer connA.Close()
	if _, err := readFrame(connA); err != nil {
		t.Fatal(err)
	}

	unknown := EndpointID{0xFF}
	if err := writeRelay(connA, RelayMessage{EndpointID: unknown, Payload: []byte("nowhere")}); err != nil {
		t.Fatal(err)
	}

	// Nothing to assert against directly; confirm the connection survives
	// (isn't torn down) by sending another frame after a short delay.
	time.Sleep(100 * time.Millisecond)
	if err := writeRelay(connA, RelayMessage{EndpointID: unknown, Payload: []byte("still alive")}); err != nil {
		t.Fatal(err)
	}
}
