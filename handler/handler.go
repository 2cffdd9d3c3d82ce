// Package handler implements a simple dispatch table mapping user
// message ids to callbacks.
package handler

import (
	"github.com/messagenet/messagenet/internal/connection"
	"github.com/messagenet/messagenet/pkg/wire"
)

// Func handles one received user message (Unreliable or Reliable,
// never Notify, which carries no msg_id). endpoint identifies the
// sender; conn is its Connection, for replying.
type Func func(endpoint string, conn *connection.Connection, msg *wire.Message)

// Table is a registry of Funcs keyed by msg_id, at most one per key.
// It is not safe for concurrent registration and dispatch; register
// handlers before Update is ever called.
type Table struct {
	byID map[uint64]Func
}

// New returns an empty Table.
func New() *Table {
	return &Table{byID: make(map[uint64]Func)}
}

// Handle registers fn for msgID, replacing any previous registration.
func (t *Table) Handle(msgID uint64, fn Func) {
	t.byID[msgID] = fn
}

// Remove unregisters msgID, if present.
func (t *Table) Remove(msgID uint64) {
	delete(t.byID, msgID)
}

// Dispatch invokes the registered handler for msg.MsgID, if any,
// reporting whether one was found. A message without a msg_id (Notify)
// is never dispatched.
func (t *Table) Dispatch(endpoint string, conn *connection.Connection, msg *wire.Message) bool {
	if !msg.HasMsgID {
		return false
	}
	fn, ok := t.byID[msg.MsgID]
	if !ok {
		return false
	}
	fn(endpoint, conn, msg)
	return true
}
