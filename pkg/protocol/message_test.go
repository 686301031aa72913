package protocol

import (
	"testing"
)

func TestNegotiationRoundTrip(t *testing.T) {
	encoded, err := EncodeNegotiation(NegotiationMessage{Protocol: "json"})
	if err != nil {
		t.Fatalf("EncodeNegotiation: %v", err)
	}
	if encoded[len(encoded)-1] != RecordSeparator {
		t.Fatalf("encoded negotiation does not end with record separator: %x", encoded)
	}

	msg, rest, ok, err := DecodeNegotiation(encoded)
	if err != nil {
		t.Fatalf("DecodeNegotiation: %v", err)
	}
	if !ok {
		t.Fatal("DecodeNegotiation reported incomplete record for a full one")
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected remainder: %x", rest)
	}
	if msg.Protocol != "json" {
		t.Fatalf("Protocol = %q, want json", msg.Protocol)
	}
}

func TestDecodeNegotiationMissingProtocol(t *testing.T) {
	_, _, ok, err := DecodeNegotiation([]byte(`{"not-protocol":"json"}` + "\x1e"))
	if !ok {
		t.Fatal("expected a complete record")
	}
	if err != ErrProtocolMismatch {
		t.Fatalf("err = %v, want ErrProtocolMismatch", err)
	}
}

func TestDecodeNegotiationIncomplete(t *testing.T) {
	buf := []byte(`{"protocol":"json"}`) // no trailing separator
	_, rest, ok, err := DecodeNegotiation(buf)
	if ok {
		t.Fatal("expected incomplete record")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(rest) != string(buf) {
		t.Fatal("buffer was mutated on incomplete decode")
	}
}

func TestJSONCodecInvocationRoundTrip(t *testing.T) {
	proto := JSONHubProtocol{}
	msg := NewInvocation("1", "Send", []any{"hello"}, false)

	buf, err := proto.WriteMessage(msg, nil)
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if buf[len(buf)-1] != RecordSeparator {
		t.Fatalf("encoded message missing record separator: %s", buf)
	}

	rest, got, err := proto.ParseMessages(buf, nil, nil)
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected remainder: %q", rest)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Target != "Send" || got[0].InvocationID != "1" {
		t.Fatalf("unexpected decoded message: %+v", got[0])
	}
	if got[0].Args[0] != "hello" {
		t.Fatalf("unexpected decoded args: %+v", got[0].Args)
	}
}

func TestJSONCodecParserLeavesPartialMessage(t *testing.T) {
	proto := JSONHubProtocol{}
	whole, _ := proto.WriteMessage(NewCompletionVoid("1"), nil)
	partial := append(append([]byte{}, whole...), []byte(`{"type":3`)...)

	rest, got, err := proto.ParseMessages(partial, nil, nil)
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if string(rest) != `{"type":3` {
		t.Fatalf("remainder = %q, want trailing partial record untouched", rest)
	}
}

func TestJSONCodecMalformedRecordIsProtocolError(t *testing.T) {
	proto := JSONHubProtocol{}
	_, _, err := proto.ParseMessages([]byte("not json"+string(RecordSeparator)), nil, nil)
	if err == nil {
		t.Fatal("expected a protocol error for malformed json")
	}
}

func TestMsgPackCodecRoundTrip(t *testing.T) {
	proto := MsgPackHubProtocol{}

	cases := []HubMessage{
		NewInvocation("1", "Send", []any{"hello", int64(42)}, false),
		NewStreamItem("2", "chunk"),
		NewCompletionResult("3", "ok"),
		NewCompletionVoid("4"),
		NewCompletionError("5", "boom"),
	}

	var buf []byte
	for _, m := range cases {
		var err error
		buf, err = proto.WriteMessage(m, buf)
		if err != nil {
			t.Fatalf("WriteMessage(%v): %v", m.Type, err)
		}
	}

	rest, got, err := proto.ParseMessages(buf, nil, nil)
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected remainder: %x", rest)
	}
	if len(got) != len(cases) {
		t.Fatalf("got %d messages, want %d", len(got), len(cases))
	}
	if got[4].Error != "boom" || !got[4].HasError {
		t.Fatalf("unexpected error completion: %+v", got[4])
	}
}

func TestMsgPackCodecIncompletePayloadIsLeftInBuffer(t *testing.T) {
	proto := MsgPackHubProtocol{}
	whole, err := proto.WriteMessage(NewCompletionVoid("1"), nil)
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	truncated := whole[:len(whole)-1]

	rest, got, err := proto.ParseMessages(truncated, nil, nil)
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d messages, want 0 for truncated input", len(got))
	}
	if string(rest) != string(truncated) {
		t.Fatal("buffer was mutated on incomplete decode")
	}
}
