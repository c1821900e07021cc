package handlers

import "github.com/brackendns/clientd/internal/client"

// UpdateHandler responds to UPDATE requests (RFC 2136). Applying dynamic
// updates to zone data is out of scope for this server; every UPDATE is
// refused rather than silently accepted.
type UpdateHandler struct{}

func (UpdateHandler) Handle(c *client.Client) {
	c.Error(client.ResultOpcodeRefused)
}
