package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"companiond/internal/domain"
)

// ErrNoSender is returned when no transport can reach a channel id.
var ErrNoSender = errors.New("no sender for channel")

// Outbound picks the transport for a channel id: "tg:" ids go to Telegram,
// phone numbers go to SMS.
type Outbound struct {
	sms      domain.Sender
	telegram domain.Sender
}

// NewOutbound accepts nil for transports that are not configured.
func NewOutbound(sms, telegram domain.Sender) *Outbound {
	return &Outbound{sms: sms, telegram: telegram}
}

func (o *Outbound) Name() string { return "outbound" }

func (o *Outbound) Send(ctx context.Context, channelID, text string) error {
	var s domain.Sender
	switch {
	case strings.HasPrefix(channelID, telegramPrefix):
		s = o.telegram
	case isDigits(channelID):
		s = o.sms
	}
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSender, channelID)
	}
	return s.Send(ctx, channelID, text)
}
