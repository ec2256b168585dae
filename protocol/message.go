package protocol

import (
	"fmt"
	"time"
)

// OriginKind distinguishes who produced a message
type OriginKind uint8

const (
	// OriginAnonymous is a client identified only by its connection
	OriginAnonymous OriginKind = iota
	// OriginName is a client that registered a service name
	OriginName
)

func (k OriginKind) String() string {
	switch k {
	case OriginAnonymous:
		return "anonymous"
	case OriginName:
		return "name"
	default:
		return fmt.Sprintf("origin(%d)", uint8(k))
	}
}

// Origin records the sender of a message
type Origin struct {
	Kind  OriginKind `cbor:"k" json:"kind"`
	Value string     `cbor:"v" json:"value"`
}

// Anonymous returns the origin of a client known only by its connection id
func Anonymous(connection string) Origin {
	return Origin{Kind: OriginAnonymous, Value: connection}
}

// Named returns the origin of a client that registered a service name
func Named(service string) Origin {
	return Origin{Kind: OriginName, Value: service}
}

func (o Origin) String() string {
	return o.Kind.String() + ":" + o.Value
}

// MessageKind says whether a message expects a reply
type MessageKind uint8

const (
	KindRequest MessageKind = iota
	KindResponse
)

func (k MessageKind) String() string {
	if k == KindResponse {
		return "response"
	}
	return "request"
}

// MessageID globally identifies a message. Ids are only unique within a queue.
type MessageID struct {
	Queue string `cbor:"q" json:"queue"`
	ID    int64  `cbor:"i" json:"id"`
}

func (m MessageID) String() string {
	return fmt.Sprintf("%s/%d", m.Queue, m.ID)
}

// Message is the body carried by an entry. Requests name the queue the
// reply should go to; responses point at the request they answer.
type Message struct {
	Payload   []byte      `cbor:"p" json:"payload"`
	Kind      MessageKind `cbor:"k" json:"kind"`
	ReplyTo   string      `cbor:"r,omitempty" json:"reply_to,omitempty"`
	InReplyTo *MessageID  `cbor:"a,omitempty" json:"in_reply_to,omitempty"`
}

// NewRequest builds a request whose reply should be sent to replyTo
func NewRequest(payload []byte, replyTo string) Message {
	return Message{Payload: payload, Kind: KindRequest, ReplyTo: replyTo}
}

// NewResponse builds a response to the request identified by id
func NewResponse(payload []byte, id MessageID) Message {
	return Message{Payload: payload, Kind: KindResponse, InReplyTo: &id}
}

// Entry is a stored message. Entries are immutable once created.
type Entry struct {
	Timestamp int64   `cbor:"t" json:"timestamp"` // unix nanoseconds
	Origin    Origin  `cbor:"o" json:"origin"`
	Message   Message `cbor:"m" json:"message"`
}

// NewEntry stamps a message with its arrival time
func NewEntry(at time.Time, origin Origin, msg Message) Entry {
	return Entry{Timestamp: at.UnixNano(), Origin: origin, Message: msg}
}

// Time returns the arrival time of the entry
func (e Entry) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// Item pairs an entry with the id it is stored under
type Item struct {
	ID    MessageID `json:"id"`
	Entry Entry     `json:"entry"`
}
