package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/NeboLoop/chatsession-go-sdk/wire"
)

func TestRoundTripText(t *testing.T) {
	env := wire.Envelope{Topic: wire.TopicChat, Content: json.RawMessage(`"{\"Id\":\"m1\"}"`)}

	data, binary, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if binary {
		t.Fatal("small envelope should not be compressed")
	}

	got, err := Decode(data, binary)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Topic != wire.TopicChat {
		t.Errorf("topic: got %q", got.Topic)
	}
	if !bytes.Equal(got.Content, env.Content) {
		t.Errorf("content: got %s", got.Content)
	}
}

func TestRoundTripCompressed(t *testing.T) {
	item, _ := json.Marshal(wire.Item{ID: "m1", Content: strings.Repeat("hello ", 500)})
	quoted, _ := json.Marshal(string(item))
	env := wire.Envelope{Topic: wire.TopicChat, Content: quoted}

	data, binary, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !binary {
		t.Fatal("large repetitive envelope should be compressed")
	}

	got, err := Decode(data, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, err := got.ChatContent()
	if err != nil {
		t.Fatalf("chat content: %v", err)
	}
	it, err := wire.DecodeItem(raw)
	if err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if it.ID != "m1" || len(it.Content) != 3000 {
		t.Errorf("item: id=%q len=%d", it.ID, len(it.Content))
	}
}

func TestEncodeRejects(t *testing.T) {
	if _, _, err := Encode(wire.Envelope{}); !errors.Is(err, ErrNoTopic) {
		t.Errorf("empty topic: got %v", err)
	}

	big, _ := json.Marshal(strings.Repeat("x", MaxPayloadLen))
	if _, _, err := Encode(wire.Envelope{Topic: "t", Content: big}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("oversize: got %v", err)
	}
}

func TestDecodeRejects(t *testing.T) {
	if _, err := Decode([]byte(`{"content":1}`), false); !errors.Is(err, ErrNoTopic) {
		t.Errorf("missing topic: got %v", err)
	}
	if _, err := Decode([]byte(`not json`), false); err == nil {
		t.Error("expected error for malformed json")
	}
	if _, err := Decode([]byte(`plain`), true); err == nil {
		t.Error("expected error for bad zstd data")
	}
}

func TestSubscribe(t *testing.T) {
	env := Subscribe("aws/chat")
	if env.Topic != wire.TopicSubscribe {
		t.Fatalf("topic: got %q", env.Topic)
	}
	var sc wire.SubscribeContent
	if err := json.Unmarshal(env.Content, &sc); err != nil {
		t.Fatalf("content: %v", err)
	}
	if len(sc.Topics) != 1 || sc.Topics[0] != "aws/chat" {
		t.Errorf("topics: %v", sc.Topics)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint([]byte("abc"))
	if a != Fingerprint([]byte("abc")) {
		t.Error("fingerprint not deterministic")
	}
	if a == Fingerprint([]byte("abd")) {
		t.Error("different content, same fingerprint")
	}
}

func TestDedupWindow(t *testing.T) {
	d := NewDedupWindow(0, 0)
	id := Fingerprint([]byte("m1"))

	if d.Seen(id) {
		t.Error("first sighting reported as duplicate")
	}
	if !d.Seen(id) {
		t.Error("second sighting not reported")
	}
	if d.Len() != 1 {
		t.Errorf("len: got %d, want 1", d.Len())
	}
}

func TestDedupWindowCapacity(t *testing.T) {
	d := NewDedupWindow(2, time.Hour)
	a, b, c := Fingerprint([]byte("a")), Fingerprint([]byte("b")), Fingerprint([]byte("c"))

	d.Seen(a)
	d.Seen(b)
	d.Seen(c)

	if d.Len() != 2 {
		t.Fatalf("len: got %d, want 2", d.Len())
	}
	if d.Seen(a) {
		t.Error("oldest entry should have been evicted")
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	d := NewDedupWindow(10, time.Minute)
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	id := Fingerprint([]byte("m1"))
	d.Seen(id)

	now = now.Add(2 * time.Minute)
	if d.Seen(id) {
		t.Error("expired entry reported as duplicate")
	}

	d.Reset()
	if d.Len() != 0 {
		t.Errorf("len after reset: got %d", d.Len())
	}
}
