package protocol

import (
	"reflect"

	json "github.com/goccy/go-json"
)

func init() {
	RegisterProtocol("json", func() HubProtocol { return JSONHubProtocol{} })
}

// JSONHubProtocol is the text-transport hub codec: one JSON object per
// record-separator-terminated record, keyed by an integer "type"
// discriminator.
type JSONHubProtocol struct{}

func (JSONHubProtocol) Name() string                   { return "json" }
func (JSONHubProtocol) TransferFormat() TransferFormat { return TransferFormatText }

type jsonMessage struct {
	Type         MessageType       `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	NonBlocking  bool              `json:"nonBlocking,omitempty"`
	Item         json.RawMessage   `json:"item,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

func (JSONHubProtocol) ParseMessages(input []byte, binder InvocationBinder, messages []HubMessage) ([]byte, []HubMessage, error) {
	if binder == nil {
		binder = NoOpBinder
	}
	for {
		record, rest, ok := splitRecord(input)
		if !ok {
			return input, messages, nil
		}
		input = rest

		var raw jsonMessage
		if err := json.Unmarshal(record, &raw); err != nil {
			return input, messages, protoErr("invalid json hub message: " + err.Error())
		}

		msg, err := decodeJSONMessage(raw, binder)
		if err != nil {
			return input, messages, err
		}
		messages = append(messages, msg)
	}
}

func decodeJSONMessage(raw jsonMessage, binder InvocationBinder) (HubMessage, error) {
	switch raw.Type {
	case MessageInvocation:
		if raw.Target == "" {
			return HubMessage{}, protoErr("invocation missing target")
		}
		paramTypes := binder.GetParameterTypes(raw.Target)
		args := make([]any, len(raw.Arguments))
		for i, a := range raw.Arguments {
			v, err := decodeJSONArg(a, paramTypes, i)
			if err != nil {
				return HubMessage{}, err
			}
			args[i] = v
		}
		return NewInvocation(raw.InvocationID, raw.Target, args, raw.NonBlocking), nil

	case MessageStreamItem:
		if raw.InvocationID == "" {
			return HubMessage{}, protoErr("streamItem missing invocationId")
		}
		var item any
		if len(raw.Item) > 0 {
			if err := json.Unmarshal(raw.Item, &item); err != nil {
				return HubMessage{}, protoErr("invalid streamItem item: " + err.Error())
			}
		}
		return NewStreamItem(raw.InvocationID, item), nil

	case MessageCompletion:
		if raw.InvocationID == "" {
			return HubMessage{}, protoErr("completion missing invocationId")
		}
		if raw.Error != "" {
			return NewCompletionError(raw.InvocationID, raw.Error), nil
		}
		if len(raw.Result) == 0 {
			return NewCompletionVoid(raw.InvocationID), nil
		}
		var result any
		if err := json.Unmarshal(raw.Result, &result); err != nil {
			return HubMessage{}, protoErr("invalid completion result: " + err.Error())
		}
		return NewCompletionResult(raw.InvocationID, result), nil

	default:
		return HubMessage{}, protoErr("unknown message type discriminator")
	}
}

func decodeJSONArg(raw json.RawMessage, paramTypes []reflect.Type, i int) (any, error) {
	if i < len(paramTypes) && paramTypes[i] != nil {
		v := reflect.New(paramTypes[i])
		if err := json.Unmarshal(raw, v.Interface()); err != nil {
			return nil, protoErr("invalid invocation argument: " + err.Error())
		}
		return v.Elem().Interface(), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, protoErr("invalid invocation argument: " + err.Error())
	}
	return v, nil
}

func (JSONHubProtocol) WriteMessage(msg HubMessage, buf []byte) ([]byte, error) {
	raw := jsonMessage{
		Type:         msg.Type,
		InvocationID: msg.InvocationID,
	}
	switch msg.Type {
	case MessageInvocation:
		raw.Target = msg.Target
		raw.NonBlocking = msg.NonBlocking
		for _, a := range msg.Args {
			b, err := json.Marshal(a)
			if err != nil {
				return buf, err
			}
			raw.Arguments = append(raw.Arguments, b)
		}
	case MessageStreamItem:
		b, err := json.Marshal(msg.Item)
		if err != nil {
			return buf, err
		}
		raw.Item = b
	case MessageCompletion:
		if msg.HasError {
			raw.Error = msg.Error
		} else if msg.HasResult {
			b, err := json.Marshal(msg.Result)
			if err != nil {
				return buf, err
			}
			raw.Result = b
		}
	default:
		return buf, protoErr("unknown message type discriminator")
	}

	body, err := json.Marshal(raw)
	if err != nil {
		return buf, err
	}
	return appendRecord(buf, body), nil
}
