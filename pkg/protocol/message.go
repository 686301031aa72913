package protocol

import "fmt"

// MessageType discriminates the variants of HubMessage on the wire.
type MessageType int

const (
	MessageInvocation MessageType = 1
	MessageStreamItem MessageType = 2
	MessageCompletion MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageInvocation:
		return "Invocation"
	case MessageStreamItem:
		return "StreamItem"
	case MessageCompletion:
		return "Completion"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// HubMessage is the sum type carried by the hub protocol. Exactly one of
// the three constructors below should be used to build a value; Type
// reports which fields are meaningful.
type HubMessage struct {
	Type MessageType

	// Invocation and StreamItem fields.
	InvocationID string // present iff the sender expects a response
	Target       string // Invocation only
	Args         []any  // Invocation only
	NonBlocking  bool   // Invocation only
	Item         any    // StreamItem only

	// Completion fields.
	Result    any
	HasResult bool
	Error     string
	HasError  bool
}

// NewInvocation builds an Invocation message. invocationID may be empty for
// a fire-and-forget call the sender does not await.
func NewInvocation(invocationID, target string, args []any, nonBlocking bool) HubMessage {
	return HubMessage{
		Type:         MessageInvocation,
		InvocationID: invocationID,
		Target:       target,
		Args:         args,
		NonBlocking:  nonBlocking,
	}
}

// NewStreamItem builds a StreamItem message. StreamItems for a given
// invocation id must be written before that id's Completion.
func NewStreamItem(invocationID string, item any) HubMessage {
	return HubMessage{
		Type:         MessageStreamItem,
		InvocationID: invocationID,
		Item:         item,
	}
}

// NewCompletionResult builds a successful Completion carrying a result.
func NewCompletionResult(invocationID string, result any) HubMessage {
	return HubMessage{
		Type:         MessageCompletion,
		InvocationID: invocationID,
		Result:       result,
		HasResult:    true,
	}
}

// NewCompletionVoid builds a successful Completion with no result.
func NewCompletionVoid(invocationID string) HubMessage {
	return HubMessage{
		Type:         MessageCompletion,
		InvocationID: invocationID,
	}
}

// NewCompletionError builds a failed Completion carrying an error message.
func NewCompletionError(invocationID, errMessage string) HubMessage {
	return HubMessage{
		Type:         MessageCompletion,
		InvocationID: invocationID,
		Error:        errMessage,
		HasError:     true,
	}
}
