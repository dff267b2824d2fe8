// Package webhook forwards incoming WhatsApp text messages to an external
// HTTP service and sends its answer back to the chat.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-relay/internal/models"
	"whatsapp-relay/internal/whatsapp"
)

const maxTries = 3

// Request is the JSON body posted to the webhook.
type Request struct {
	Query       string `json:"query"`
	PhoneNumber string `json:"phone_number"`
	ChatID      string `json:"chat_id"`
	MessageID   string `json:"message_id"`
}

// Response is what the webhook answers. A non-empty Result is sent back to the chat.
type Response struct {
	Result      string `json:"result"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Sender delivers the webhook's reply.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) (models.Message, error)
}

// Recorder counts forwarding outcomes.
type Recorder interface {
	WebhookResult(result string)
}

type Forwarder struct {
	url     string
	client  *http.Client
	sender  Sender
	log     waLog.Logger
	backoff func() backoff.BackOff

	// Recorder is optional.
	Recorder Recorder
}

func New(url string, timeout time.Duration, sender Sender, log waLog.Logger) *Forwarder {
	if log == nil {
		log = waLog.Noop
	}
	return &Forwarder{
		url:    url,
		client: &http.Client{Timeout: timeout},
		sender: sender,
		log:    log,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// OnMessage forwards msg when it is a text message from someone else.
func (f *Forwarder) OnMessage(ctx context.Context, msg models.Message) {
	// our own replies would come back here and loop
	if msg.FromMe || msg.Type != models.TypeText || strings.TrimSpace(msg.Body) == "" {
		return
	}

	from := msg.Author
	if from == "" {
		from = msg.ChatID
	}
	phone := whatsapp.PhoneFromJID(from)
	if phone == "" {
		f.log.Warnf("No phone number in sender %s, not forwarding", from)
		return
	}

	resp, err := f.Forward(ctx, Request{
		Query:       msg.Body,
		PhoneNumber: phone,
		ChatID:      msg.ChatID,
		MessageID:   msg.ID,
	})
	if err != nil {
		f.record("error")
		f.log.Errorf("Webhook gave no answer: %v", err)
		return
	}
	if resp.Result == "" {
		f.record("empty")
		f.log.Warnf("Webhook answered %s with an empty result", phone)
		return
	}

	if _, err := f.sender.SendMessage(ctx, msg.ChatID, resp.Result); err != nil {
		f.record("reply_failed")
		f.log.Errorf("Could not deliver webhook reply to %s: %v", msg.ChatID, err)
		return
	}
	f.record("replied")
	f.log.Infof("✅ Webhook reply delivered to %s", msg.ChatID)
}

// Forward posts req to the external server. Network errors and 5xx
// answers are retried with exponential backoff.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode webhook request: %w", err)
	}

	f.log.Infof("🔄 Forwarding message from %s to webhook", req.PhoneNumber)
	return backoff.Retry(ctx, func() (*Response, error) {
		return f.post(ctx, body)
	},
		backoff.WithBackOff(f.backoff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			f.log.Warnf("Webhook call failed, retrying in %v: %v", wait, err)
		}),
	)
}

func (f *Forwarder) post(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(err)
		}
		return nil, fmt.Errorf("post to webhook: %w", err)
	}
	defer resp.Body.Close()

	var out Response
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("webhook answered %d: %s", resp.StatusCode, out.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("webhook answered %d: %s", resp.StatusCode, out.Error))
	}
	if decodeErr != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode webhook answer: %w", decodeErr))
	}
	return &out, nil
}

func (f *Forwarder) record(result string) {
	if f.Recorder != nil {
		f.Recorder.WebhookResult(result)
	}
}
