package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginString(t *testing.T) {
	assert.Equal(t, "anonymous:conn-7", Anonymous("conn-7").String())
	assert.Equal(t, "name:billing", Named("billing").String())
	assert.Equal(t, "origin(9):x", Origin{Kind: 9, Value: "x"}.String())
}

func TestRequestAndResponse(t *testing.T) {
	req := NewRequest([]byte("ping"), "replies")
	assert.Equal(t, KindRequest, req.Kind)
	assert.Equal(t, "replies", req.ReplyTo)
	assert.Nil(t, req.InReplyTo)

	id := MessageID{Queue: "jobs", ID: 4}
	resp := NewResponse([]byte("pong"), id)
	assert.Equal(t, KindResponse, resp.Kind)
	require.NotNil(t, resp.InReplyTo)
	assert.Equal(t, id, *resp.InReplyTo)
	assert.Equal(t, "response", resp.Kind.String())
	assert.Equal(t, "jobs/4", id.String())
}

func TestEntryTime(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)
	entry := NewEntry(at, Anonymous("c"), NewRequest(nil, ""))
	assert.True(t, at.Equal(entry.Time()))
}

func TestOperationConstructors(t *testing.T) {
	id := MessageID{Queue: "jobs", ID: 2}
	entry := NewEntry(time.Unix(0, 1), Named("svc"), NewRequest([]byte("x"), ""))

	tests := []struct {
		op   Operation
		kind OpKind
		text string
	}{
		{DirectoryAdd("jobs"), OpDirectoryAdd, "directory_add(jobs)"},
		{DirectoryRemove("jobs"), OpDirectoryRemove, "directory_remove(jobs)"},
		{Ack(id), OpAck, "ack(jobs/2)"},
		{Send(id, entry), OpSend, "send(jobs/2)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, tt.op.Kind)
		assert.Equal(t, tt.text, tt.op.String())
		assert.Equal(t, "jobs", tt.op.Queue)
	}

	send := Send(id, entry)
	require.NotNil(t, send.Entry)
	assert.Equal(t, entry, *send.Entry)
	assert.Equal(t, id, send.MessageID())
}

func TestParseOpKind(t *testing.T) {
	for _, kind := range []OpKind{OpDirectoryAdd, OpDirectoryRemove, OpAck, OpSend} {
		parsed, ok := ParseOpKind(kind.String())
		require.True(t, ok, kind.String())
		assert.Equal(t, kind, parsed)
	}

	_, ok := ParseOpKind("purge")
	assert.False(t, ok)
	assert.Equal(t, "op(42)", OpKind(42).String())
}
