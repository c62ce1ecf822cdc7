package dht_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/kades/kades/dht"
)

func TestMemStorePutGet(t *testing.T) {
	s := dht.NewMemStore(0)
	key := id(0x10)

	fatalErr(s.Put(key, []byte("hello"), now), t)

	value, ok := s.Get(key, now)

	if !ok {
		t.Fatal("Stored value not found")
	}

	if !bytes.Equal(value, []byte("hello")) {
		t.Fatalf("Got %q, want %q", value, "hello")
	}

	if s.Len() != 1 {
		t.Fatalf("Store holds %d entries, want 1", s.Len())
	}
}

func TestMemStoreMissing(t *testing.T) {
	s := dht.NewMemStore(0)

	_, ok := s.Get(id(0x10), now)

	if ok {
		t.Fatal("Got a value for a key never stored")
	}
}

func TestMemStoreOverwrite(t *testing.T) {
	s := dht.NewMemStore(0)
	key := id(0x10)

	fatalErr(s.Put(key, []byte("old"), now), t)
	fatalErr(s.Put(key, []byte("new"), now.Add(time.Second)), t)

	value, ok := s.Get(key, now.Add(time.Second))

	if !ok || !bytes.Equal(value, []byte("new")) {
		t.Fatal("Overwrite did not take")
	}

	if s.Len() != 1 {
		t.Fatal("Overwrite duplicated the entry")
	}
}

func TestMemStoreTTL(t *testing.T) {
	s := dht.NewMemStore(time.Hour)
	key := id(0x10)

	fatalErr(s.Put(key, []byte("hello"), now), t)

	if _, ok := s.Get(key, now.Add(30*time.Minute)); !ok {
		t.Fatal("Value expired too early")
	}

	if _, ok := s.Get(key, now.Add(2*time.Hour)); ok {
		t.Fatal("Value outlived its TTL")
	}
}

func TestMemStoreCopies(t *testing.T) {
	s := dht.NewMemStore(0)
	key := id(0x10)

	original := []byte("hello")
	fatalErr(s.Put(key, original, now), t)

	original[0] = 'x'

	value, _ := s.Get(key, now)

	if !bytes.Equal(value, []byte("hello")) {
		t.Fatal("Store aliases the caller's buffer")
	}

	value[0] = 'y'

	again, _ := s.Get(key, now)

	if !bytes.Equal(again, []byte("hello")) {
		t.Fatal("Store hands out its internal buffer")
	}
}
