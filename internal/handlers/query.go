// Package handlers implements the per-opcode RequestHandlers a ClientManager
// dispatches accepted requests to: QUERY against the matched view's resolver
// chain, NOTIFY with a minimal NOERROR acknowledgement, and UPDATE with REFUSED.
package handlers

import (
	"context"
	"time"

	"github.com/brackendns/clientd/internal/client"
	"github.com/brackendns/clientd/internal/resolvers"
)

// ResolveTimeout bounds how long QueryHandler waits on a view's resolver
// before giving up and answering SERVFAIL.
const ResolveTimeout = 5 * time.Second

// QueryHandler answers QUERY-opcode requests by delegating to the matched
// view's resolver chain. A resolver may block on an upstream round trip or a
// cache miss, so resolution runs off the client's own task: the client is
// marked waiting for the duration via Wait/Unwait, and the result is posted
// back onto the client's task before finalizing, keeping every mutation of
// the client's state on its one goroutine.
type QueryHandler struct{}

func (QueryHandler) Handle(c *client.Client) {
	v := c.View()
	if v == nil {
		c.Error(client.ResultViewMismatch)
		return
	}

	req := *c.Message()
	origID := req.Header.ID
	reqBytes, err := req.Marshal()
	if err != nil {
		c.Error(client.ResultRenderError)
		return
	}

	task := c.Task()
	c.Wait()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ResolveTimeout)
		defer cancel()
		result, resolveErr := v.Answer(ctx, req, reqBytes)
		task.Post(func() {
			c.Unwait()
			finishQuery(c, origID, result, resolveErr)
		})
	}()
}

func finishQuery(c *client.Client, origID uint16, result resolvers.Result, resolveErr error) {
	if resolveErr != nil {
		c.Error(client.ResultRenderError)
		return
	}
	c.SendRaw(resolvers.PatchTransactionID(result.ResponseBytes, origID))
}
