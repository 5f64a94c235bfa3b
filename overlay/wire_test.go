// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package overlay

import (
	"bytes"
	"testing"
)

func TestStatusMessageRoundTrip(t *testing.T) {
	want := StatusMessage{NetworkSize: 42}
	got, err := unmarshalStatus(want.marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRelayMessageRoundTrip(t *testing.T) {
	want := RelayMessage{EndpointID: EndpointID{1, 2, 3}, Payload: []byte("hello")}
	got, err := unmarshalRelay(want.marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.EndpointID != want.EndpointID || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	relay := RelayMessage{EndpointID: EndpointID{9}, Payload: []byte("payload")}
	if err := writeRelay(&buf, relay); err != nil {
		t.Fatal(err)
	}
	fr, err := readFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if fr.relay == nil || fr.relay.EndpointID != relay.EndpointID || !bytes.Equal(fr.relay.Payload, relay.Payload) {
		t.Fatalf("got %+v", fr)
	}
}

func TestJoinPayloadRoundTrip(t *testing.T) {
	want := joinPayload{ID: EndpointID{7, 7, 7}}
	got, err := unmarshalJoin(want.marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
