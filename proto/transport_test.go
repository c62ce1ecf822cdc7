package proto_test

import (
	"bytes"
	"testing"

	"github.com/kades/kades/proto"
)

func TestUDPRoundTrip(t *testing.T) {
	a, err := proto.ListenUDP("127.0.0.1:0")

	if err != nil {
		t.Fatal(err.Error())
	}

	defer a.Close()

	b, err := proto.ListenUDP("127.0.0.1:0")

	if err != nil {
		t.Fatal(err.Error())
	}

	defer b.Close()

	err = a.WriteTo([]byte("hello"), b.Addr())

	if err != nil {
		t.Fatal(err.Error())
	}

	data, from, err := b.ReadFrom()

	if err != nil {
		t.Fatal(err.Error())
	}

	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("Got %q", data)
	}

	if from != a.Addr() {
		t.Fatalf("Sender seen as %s, want %s", from, a.Addr())
	}
}

func TestStreamRoundTrip(t *testing.T) {
	a, err := proto.ListenTCP("127.0.0.1:0", "")

	if err != nil {
		t.Fatal(err.Error())
	}

	defer a.Close()

	b, err := proto.ListenTCP("127.0.0.1:0", "")

	if err != nil {
		t.Fatal(err.Error())
	}

	defer b.Close()

	err = a.WriteTo([]byte("hello"), b.Addr())

	if err != nil {
		t.Fatal(err.Error())
	}

	data, from, err := b.ReadFrom()

	if err != nil {
		t.Fatal(err.Error())
	}

	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("Got %q", data)
	}

	if from != a.Addr() {
		t.Fatalf("Sender seen as %s, want %s", from, a.Addr())
	}

	// the reply direction reuses the inbound session rather than dialing
	err = b.WriteTo([]byte("back"), from)

	if err != nil {
		t.Fatal(err.Error())
	}

	data, _, err = a.ReadFrom()

	if err != nil {
		t.Fatal(err.Error())
	}

	if !bytes.Equal(data, []byte("back")) {
		t.Fatalf("Got %q", data)
	}
}

func TestChanNetUnlink(t *testing.T) {
	net := proto.NewChanNet()

	a := net.Listen("a")
	net.Listen("b")

	net.Unlink("b")

	// writes to a vanished address are dropped, not errors
	err := a.WriteTo([]byte("hello"), "b")

	if err != nil {
		t.Fatal(err.Error())
	}
}
