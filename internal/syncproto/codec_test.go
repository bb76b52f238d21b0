package syncproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	for _, typ := range []MessageType{TypeStep1, TypeStep2, TypeUpdate} {
		payload := []byte{0x01, 0x02, 0x03}
		raw := EncodeMessage(typ, payload)

		gotType, gotPayload, err := DecodeMessage(raw)
		if err != nil {
			t.Fatalf("type %d: decode failed: %v", typ, err)
		}
		if gotType != typ {
			t.Fatalf("type mismatch: got %d, want %d", gotType, typ)
		}
		if !bytes.Equal(gotPayload, payload) {
			t.Fatalf("payload mismatch: %v", gotPayload)
		}
	}
}

func TestMessageEmptyPayload(t *testing.T) {
	raw := EncodeMessage(TypeStep1, nil)
	typ, payload, err := DecodeMessage(raw)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeStep1 || len(payload) != 0 {
		t.Fatalf("got type %d payload %v", typ, payload)
	}
}

func TestDecodeMessageUnknownType(t *testing.T) {
	raw := EncodeMessage(MessageType(9), []byte("x"))
	if _, _, err := DecodeMessage(raw); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeMessageTruncated(t *testing.T) {
	if _, _, err := DecodeMessage(nil); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	msgs := [][]byte{
		EncodeMessage(TypeStep1, []byte("first")),
		EncodeMessage(TypeStep2, []byte("")),
		EncodeMessage(TypeUpdate, bytes.Repeat([]byte{0xff}, 300)),
	}

	out, err := DecodeEnvelope(EncodeEnvelope(msgs))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(out), len(msgs))
	}
	for i := range msgs {
		if !bytes.Equal(out[i], msgs[i]) {
			t.Fatalf("message %d mismatch", i)
		}
	}
}

func TestEnvelopeEmpty(t *testing.T) {
	out, err := DecodeEnvelope(EncodeEnvelope(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty envelope, got %d messages", len(out))
	}
}

func TestDecodeEnvelopeTruncated(t *testing.T) {
	raw := EncodeEnvelope([][]byte{[]byte("hello")})
	for cut := 1; cut < len(raw); cut++ {
		if _, err := DecodeEnvelope(raw[:cut]); err == nil {
			t.Fatalf("truncation at %d not detected", cut)
		}
	}
}

func TestDecodeEnvelopeRejectsHugeCount(t *testing.T) {
	raw := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x0f} // uvarint far above the cap
	if _, err := DecodeEnvelope(raw); err == nil {
		t.Fatal("oversized chunk count not rejected")
	}
}
