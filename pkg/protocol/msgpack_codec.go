package protocol

import (
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

func init() {
	RegisterProtocol("messagepack", func() HubProtocol { return MsgPackHubProtocol{} })
}

// MsgPackHubProtocol is the binary-transport hub codec: a length-prefix
// varint byte count precedes each message, which is a positional MsgPack
// array starting with the integer type discriminator.
type MsgPackHubProtocol struct{}

func (MsgPackHubProtocol) Name() string                   { return "messagepack" }
func (MsgPackHubProtocol) TransferFormat() TransferFormat { return TransferFormatBinary }

// completionKind distinguishes a void/result/error Completion inside the
// positional array, since MsgPack has no field names to omit by.
type completionKind int

const (
	completionVoid completionKind = iota
	completionResult
	completionErr
)

func (MsgPackHubProtocol) ParseMessages(input []byte, binder InvocationBinder, messages []HubMessage) ([]byte, []HubMessage, error) {
	if binder == nil {
		binder = NoOpBinder
	}
	for {
		length, n := DecodeUvarint(input)
		if n == -1 {
			return input, messages, nil // incomplete length prefix, wait for more
		}
		if n == -2 {
			return input, messages, protoErr("msgpack length prefix overflow")
		}
		body := input[n:]
		if uint64(len(body)) < length {
			return input, messages, nil // incomplete payload, wait for more
		}
		payload := body[:length]
		input = body[length:]

		var elems []msgpack.RawMessage
		if err := msgpack.Unmarshal(payload, &elems); err != nil {
			return input, messages, protoErr("invalid msgpack hub message: " + err.Error())
		}
		if len(elems) == 0 {
			return input, messages, protoErr("empty msgpack hub message array")
		}

		var msgType int
		if err := msgpack.Unmarshal(elems[0], &msgType); err != nil {
			return input, messages, protoErr("invalid msgpack type discriminator: " + err.Error())
		}

		msg, err := decodeMsgPackMessage(MessageType(msgType), elems, binder)
		if err != nil {
			return input, messages, err
		}
		messages = append(messages, msg)
	}
}

func decodeMsgPackMessage(t MessageType, elems []msgpack.RawMessage, binder InvocationBinder) (HubMessage, error) {
	switch t {
	case MessageInvocation:
		// [type, invocationId, target, args, nonBlocking]
		if len(elems) < 5 {
			return HubMessage{}, protoErr("invocation array too short")
		}
		var invocationID, target string
		var nonBlocking bool
		if err := msgpack.Unmarshal(elems[1], &invocationID); err != nil {
			return HubMessage{}, protoErr("invalid invocation invocationId: " + err.Error())
		}
		if err := msgpack.Unmarshal(elems[2], &target); err != nil {
			return HubMessage{}, protoErr("invalid invocation target: " + err.Error())
		}
		if target == "" {
			return HubMessage{}, protoErr("invocation missing target")
		}
		var rawArgs []msgpack.RawMessage
		if err := msgpack.Unmarshal(elems[3], &rawArgs); err != nil {
			return HubMessage{}, protoErr("invalid invocation arguments: " + err.Error())
		}
		if err := msgpack.Unmarshal(elems[4], &nonBlocking); err != nil {
			return HubMessage{}, protoErr("invalid invocation nonBlocking: " + err.Error())
		}
		paramTypes := binder.GetParameterTypes(target)
		args := make([]any, len(rawArgs))
		for i, raw := range rawArgs {
			v, err := decodeMsgPackArg(raw, paramTypes, i)
			if err != nil {
				return HubMessage{}, err
			}
			args[i] = v
		}
		return NewInvocation(invocationID, target, args, nonBlocking), nil

	case MessageStreamItem:
		// [type, invocationId, item]
		if len(elems) < 3 {
			return HubMessage{}, protoErr("streamItem array too short")
		}
		var invocationID string
		if err := msgpack.Unmarshal(elems[1], &invocationID); err != nil {
			return HubMessage{}, protoErr("invalid streamItem invocationId: " + err.Error())
		}
		if invocationID == "" {
			return HubMessage{}, protoErr("streamItem missing invocationId")
		}
		var item any
		if err := msgpack.Unmarshal(elems[2], &item); err != nil {
			return HubMessage{}, protoErr("invalid streamItem item: " + err.Error())
		}
		return NewStreamItem(invocationID, item), nil

	case MessageCompletion:
		// [type, invocationId, kind, payload?]
		if len(elems) < 3 {
			return HubMessage{}, protoErr("completion array too short")
		}
		var invocationID string
		var kind int
		if err := msgpack.Unmarshal(elems[1], &invocationID); err != nil {
			return HubMessage{}, protoErr("invalid completion invocationId: " + err.Error())
		}
		if invocationID == "" {
			return HubMessage{}, protoErr("completion missing invocationId")
		}
		if err := msgpack.Unmarshal(elems[2], &kind); err != nil {
			return HubMessage{}, protoErr("invalid completion kind: " + err.Error())
		}
		switch completionKind(kind) {
		case completionVoid:
			return NewCompletionVoid(invocationID), nil
		case completionResult:
			if len(elems) < 4 {
				return HubMessage{}, protoErr("completion missing result payload")
			}
			var result any
			if err := msgpack.Unmarshal(elems[3], &result); err != nil {
				return HubMessage{}, protoErr("invalid completion result: " + err.Error())
			}
			return NewCompletionResult(invocationID, result), nil
		case completionErr:
			if len(elems) < 4 {
				return HubMessage{}, protoErr("completion missing error payload")
			}
			var errMessage string
			if err := msgpack.Unmarshal(elems[3], &errMessage); err != nil {
				return HubMessage{}, protoErr("invalid completion error: " + err.Error())
			}
			return NewCompletionError(invocationID, errMessage), nil
		default:
			return HubMessage{}, protoErr("unknown completion kind")
		}

	default:
		return HubMessage{}, protoErr("unknown message type discriminator")
	}
}

func decodeMsgPackArg(raw msgpack.RawMessage, paramTypes []reflect.Type, i int) (any, error) {
	if i < len(paramTypes) && paramTypes[i] != nil {
		v := reflect.New(paramTypes[i])
		if err := msgpack.Unmarshal(raw, v.Interface()); err != nil {
			return nil, protoErr("invalid invocation argument: " + err.Error())
		}
		return v.Elem().Interface(), nil
	}
	var v any
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, protoErr("invalid invocation argument: " + err.Error())
	}
	return v, nil
}

func (MsgPackHubProtocol) WriteMessage(msg HubMessage, buf []byte) ([]byte, error) {
	var elems []any
	switch msg.Type {
	case MessageInvocation:
		elems = []any{int(MessageInvocation), msg.InvocationID, msg.Target, msg.Args, msg.NonBlocking}
	case MessageStreamItem:
		elems = []any{int(MessageStreamItem), msg.InvocationID, msg.Item}
	case MessageCompletion:
		switch {
		case msg.HasError:
			elems = []any{int(MessageCompletion), msg.InvocationID, int(completionErr), msg.Error}
		case msg.HasResult:
			elems = []any{int(MessageCompletion), msg.InvocationID, int(completionResult), msg.Result}
		default:
			elems = []any{int(MessageCompletion), msg.InvocationID, int(completionVoid)}
		}
	default:
		return buf, protoErr("unknown message type discriminator")
	}

	payload, err := msgpack.Marshal(elems)
	if err != nil {
		return buf, err
	}

	var lenBuf [MaxVarintLen]byte
	n := EncodeUvarint(lenBuf[:], uint64(len(payload)))
	buf = append(buf, lenBuf[:n]...)
	buf = append(buf, payload...)
	return buf, nil
}
