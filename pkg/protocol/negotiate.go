package protocol

import (
	"errors"

	json "github.com/goccy/go-json"
)

// ErrProtocolMismatch is returned when a negotiation payload cannot be
// parsed as {"protocol": "<name>"}.
var ErrProtocolMismatch = errors.New("protocol: negotiation payload missing string \"protocol\" field")

// NegotiationMessage is the first record-separator-terminated frame a
// client sends, naming the hub protocol it intends to speak.
type NegotiationMessage struct {
	Protocol string `json:"protocol"`
}

// EncodeNegotiation serializes m as {"protocol":"<name>"} followed by the
// record separator.
func EncodeNegotiation(m NegotiationMessage) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return appendRecord(nil, body), nil
}

// DecodeNegotiation slices one record-separator-terminated record off buf
// and parses it as a NegotiationMessage. ok is false if buf does not yet
// contain a full record; buf is returned unmodified in that case.
// ErrProtocolMismatch is returned if the record parses as JSON but is not
// an object with a string "protocol" field.
func DecodeNegotiation(buf []byte) (msg NegotiationMessage, rest []byte, ok bool, err error) {
	record, rest, ok := splitRecord(buf)
	if !ok {
		return NegotiationMessage{}, buf, false, nil
	}
	var raw struct {
		Protocol *string `json:"protocol"`
	}
	if err := json.Unmarshal(record, &raw); err != nil {
		return NegotiationMessage{}, rest, true, ErrProtocolMismatch
	}
	if raw.Protocol == nil {
		return NegotiationMessage{}, rest, true, ErrProtocolMismatch
	}
	return NegotiationMessage{Protocol: *raw.Protocol}, rest, true, nil
}
