package protocol

import "fmt"

// OpKind enumerates the persisted state changes
type OpKind uint8

const (
	OpDirectoryAdd OpKind = iota + 1
	OpDirectoryRemove
	OpAck
	OpSend
)

var opKindNames = map[OpKind]string{
	OpDirectoryAdd:    "directory_add",
	OpDirectoryRemove: "directory_remove",
	OpAck:             "ack",
	OpSend:            "send",
}

func (k OpKind) String() string {
	if name, ok := opKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// ParseOpKind maps a persisted tag back to its kind
func ParseOpKind(s string) (OpKind, bool) {
	for k, name := range opKindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Operation is the unit of durability: every mutation of the directory or a
// queue is appended to the log as one Operation before it is applied.
type Operation struct {
	Kind  OpKind
	Queue string
	ID    int64  // Ack and Send only
	Entry *Entry // Send only
}

// DirectoryAdd creates the named queue
func DirectoryAdd(name string) Operation {
	return Operation{Kind: OpDirectoryAdd, Queue: name}
}

// DirectoryRemove destroys the named queue and its entries
func DirectoryRemove(name string) Operation {
	return Operation{Kind: OpDirectoryRemove, Queue: name}
}

// Ack removes a message from its queue
func Ack(id MessageID) Operation {
	return Operation{Kind: OpAck, Queue: id.Queue, ID: id.ID}
}

// Send stores entry under a fixed id
func Send(id MessageID, entry Entry) Operation {
	return Operation{Kind: OpSend, Queue: id.Queue, ID: id.ID, Entry: &entry}
}

// MessageID returns the message targeted by an Ack or Send
func (op Operation) MessageID() MessageID {
	return MessageID{Queue: op.Queue, ID: op.ID}
}

func (op Operation) String() string {
	switch op.Kind {
	case OpAck, OpSend:
		return fmt.Sprintf("%s(%s)", op.Kind, op.MessageID())
	default:
		return fmt.Sprintf("%s(%s)", op.Kind, op.Queue)
	}
}
