package handlers

import (
	"github.com/brackendns/clientd/internal/client"
	"github.com/brackendns/clientd/internal/dns"
)

// NotifyHandler acknowledges NOTIFY requests (RFC 1996) with a bare NOERROR
// reply preserving the question. Zone-transfer-triggering behavior on
// receipt of a NOTIFY is out of scope; a view is expected to have already
// picked up the change out of band by the time a NOTIFY arrives.
type NotifyHandler struct{}

func (NotifyHandler) Handle(c *client.Client) {
	if err := c.Reply(true); err != nil {
		c.Error(client.ResultReplyFailed)
		return
	}
	c.SetRCode(dns.RCodeNoError)
	c.Send()
}
