package policy

import (
	"context"
	"net"

	"github.com/matoous/gosmtpd/mail"
)

// Input is what sender heuristics see once the message is complete
type Input struct {
	IP      net.IP
	Helo    string
	From    mail.Address
	Message *mail.Message
}

// Heuristic is a sender reputation check run in the content phase.
// Implementations fail open: lookup errors allow the message.
type Heuristic interface {
	Check(ctx context.Context, in Input) Verdict
}

// Heuristics runs all checks in order, the first rejection wins
type Heuristics []Heuristic

func (h Heuristics) Check(ctx context.Context, in Input) Verdict {
	for _, x := range h {
		if v := x.Check(ctx, in); !v.Allowed {
			return v
		}
	}
	return Allow
}
