// Package local implements the backup protocol contract as direct
// in-process Go calls, with no framing or network I/O: the server
// driver holds a reference to the client agent's own protocol.Agent
// implementation and calls it directly.
package local

import (
	"woodstock/internal/protocol"
)

// Bind returns agent unchanged as the abstract contract. It exists so
// callers can depend on "a transport" uniformly — local.Bind and
// connectrpc.Dial have the same shape — even though this transport adds
// no indirection of its own.
func Bind(agent protocol.Agent) protocol.Agent {
	return agent
}
