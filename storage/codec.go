package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/maxpert/mswitch/protocol"
)

// Operations are stored as CBOR maps with short string keys. The kind is a
// string tag so records stay readable by generic CBOR tooling and old
// records keep decoding when fields are added.
type operationRecord struct {
	Kind  string          `cbor:"op"`
	Queue string          `cbor:"q"`
	ID    int64           `cbor:"id,omitempty"`
	Entry *protocol.Entry `cbor:"e,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor decoder: %v", err))
	}
}

// EncodeOperation serialises op for the operation log
func EncodeOperation(op protocol.Operation) ([]byte, error) {
	rec := operationRecord{
		Kind:  op.Kind.String(),
		Queue: op.Queue,
	}

	switch op.Kind {
	case protocol.OpDirectoryAdd, protocol.OpDirectoryRemove:
	case protocol.OpAck:
		rec.ID = op.ID
	case protocol.OpSend:
		if op.Entry == nil {
			return nil, fmt.Errorf("send operation for %s has no entry", op.MessageID())
		}
		rec.ID = op.ID
		rec.Entry = op.Entry
	default:
		return nil, fmt.Errorf("unknown operation kind %d", op.Kind)
	}

	data, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", op, err)
	}
	return data, nil
}

// DecodeOperation parses a record produced by EncodeOperation. Anything that
// does not parse into a well-formed operation yields ok == false; deciding
// what a corrupt record means is left to the caller.
func DecodeOperation(data []byte) (protocol.Operation, bool) {
	var rec operationRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return protocol.Operation{}, false
	}

	kind, ok := protocol.ParseOpKind(rec.Kind)
	if !ok {
		return protocol.Operation{}, false
	}

	op := protocol.Operation{Kind: kind, Queue: rec.Queue}
	switch kind {
	case protocol.OpAck:
		op.ID = rec.ID
	case protocol.OpSend:
		if rec.Entry == nil || rec.ID < 0 {
			return protocol.Operation{}, false
		}
		op.ID = rec.ID
		op.Entry = rec.Entry
	}
	return op, true
}
