// Package webhook turns authenticated external payloads into inbound events.
// The HTTP front door lives elsewhere; this package owns signature
// verification and the payload-to-text template mapping.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/relay-ai/relay/internal/channels"
	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/pkg/models"
)

var fieldRefRe = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)\}`)

// Mapping describes one webhook source.
type Mapping struct {
	// Secret signs payloads; empty disables verification for this source.
	Secret string

	// Template renders the event text. {field.path} references resolve
	// against the JSON payload.
	Template string

	// ChatID is the conversation the rendered event lands in.
	ChatID string
}

// Sign computes the hex HMAC-SHA256 signature of a payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a payload signature in constant time.
func Verify(secret string, payload []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Render interpolates {field.path} references from the payload into the
// template. Missing fields render as empty strings.
func Render(template string, payload map[string]any) string {
	return fieldRefRe.ReplaceAllStringFunc(template, func(ref string) string {
		path := ref[1 : len(ref)-1]
		return lookupString(payload, strings.Split(path, "."))
	})
}

func lookupString(payload map[string]any, path []string) string {
	var cur any = payload
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = obj[key]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// Source implements channels.Adapter for webhook sources. Deliveries are
// pushed in through Accept by whatever HTTP layer fronts the process.
type Source struct {
	logger   *slog.Logger
	mappings map[string]Mapping
	events   chan *models.InboundEvent
	now      func() time.Time
}

// NewSource builds a webhook source over named mappings.
func NewSource(mappings map[string]Mapping, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		logger:   logger.With("adapter", "webhook"),
		mappings: mappings,
		events:   make(chan *models.InboundEvent, 100),
		now:      time.Now,
	}
}

// Accept verifies and maps one delivery, queuing the resulting event.
func (s *Source) Accept(name string, payload []byte, signature string) error {
	mapping, ok := s.mappings[name]
	if !ok {
		return errdefs.New(errdefs.KindUserInputInvalid, fmt.Sprintf("unknown webhook source %q", name))
	}
	if mapping.Secret != "" && !Verify(mapping.Secret, payload, signature) {
		return errdefs.New(errdefs.KindAdmissionDenied, "webhook signature mismatch")
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return errdefs.Wrap(errdefs.KindUserInputInvalid, "webhook payload is not a JSON object", err)
	}

	text := strings.TrimSpace(Render(mapping.Template, body))
	if text == "" {
		return errdefs.New(errdefs.KindUserInputInvalid, "webhook template rendered empty text")
	}

	ev := &models.InboundEvent{
		Channel:    models.ChannelWebhook,
		ChatID:     mapping.ChatID,
		SenderID:   name,
		SenderName: name,
		Text:       text,
		Metadata:   map[string]any{"source": name},
		ReceivedAt: s.now().UTC(),
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return errdefs.New(errdefs.KindRateLimited, "webhook event buffer full")
	}
}

// Start is a no-op; deliveries arrive through Accept.
func (s *Source) Start(ctx context.Context) error { return nil }

// Stop closes the event stream.
func (s *Source) Stop(ctx context.Context) error {
	close(s.events)
	return nil
}

// Send is unsupported: webhook sources are inbound-only.
func (s *Source) Send(ctx context.Context, resp *models.OutgoingResponse) error {
	s.logger.Debug("dropping response for inbound-only webhook channel", "chat_id", resp.ChatID)
	return nil
}

// Events returns the inbound stream.
func (s *Source) Events() <-chan *models.InboundEvent { return s.events }

// Type returns the channel type.
func (s *Source) Type() models.ChannelType { return models.ChannelWebhook }

// Status reports the source as always connected; there is no upstream link.
func (s *Source) Status() channels.Status { return channels.Status{Connected: true} }
