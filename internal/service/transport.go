package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	apperrors "github.com/leadflow/funnel-server-go/internal/errors"
)

// Transport delivers one outbound message. Implementations must be safe to
// call at-least-once per job; the queue retries on transient failure.
type Transport interface {
	// Send delivers content (and an optional media URL) to the recipient
	// and returns the provider's message id. The call must respect ctx's
	// deadline.
	Send(ctx context.Context, recipient, content string, mediaURL *string) (string, error)
}

// TwilioTransport sends WhatsApp messages through the Twilio API. A local
// rate limiter smooths bursts so a large sweep cannot trip provider-side
// throttling.
type TwilioTransport struct {
	client  *twilio.RestClient
	from    string
	limiter *rate.Limiter
}

func NewTwilioTransport(accountSID, authToken, fromNumber string, timeout time.Duration, ratePerSecond int) *TwilioTransport {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	client.SetTimeout(timeout)
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return &TwilioTransport{
		client:  client,
		from:    fromNumber,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
	}
}

func (t *TwilioTransport) Send(ctx context.Context, recipient, content string, mediaURL *string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", apperrors.TransientDelivery(err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom("whatsapp:" + t.from)
	params.SetTo("whatsapp:" + recipient)
	params.SetBody(content)
	if mediaURL != nil && *mediaURL != "" {
		params.SetMediaUrl([]string{*mediaURL})
	}

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return "", apperrors.TransientDelivery(fmt.Errorf("twilio send to %s: %w", recipient, err))
	}
	if resp.Sid == nil {
		return "", apperrors.TransientDelivery(fmt.Errorf("twilio send to %s: empty message sid", recipient))
	}
	return *resp.Sid, nil
}

// LogTransport logs messages instead of sending them. Used when no Twilio
// credentials are configured, which keeps local development and staging
// from needing a provider account.
type LogTransport struct{}

func NewLogTransport() *LogTransport {
	return &LogTransport{}
}

func (t *LogTransport) Send(ctx context.Context, recipient, content string, mediaURL *string) (string, error) {
	evt := log.Info().Str("recipient", recipient).Str("content", content)
	if mediaURL != nil {
		evt = evt.Str("mediaUrl", *mediaURL)
	}
	evt.Msg("message logged instead of sent")
	return fmt.Sprintf("log-%d", time.Now().UnixNano()), nil
}
