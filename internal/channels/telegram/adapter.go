// Package telegram adapts the Telegram Bot API to the channel contract:
// long-poll intake, HTML-formatted sends with a plain-text fallback, message
// splitting at the platform limit, and rate-limit aware retries.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tg "github.com/go-telegram/bot/models"

	"github.com/relay-ai/relay/internal/channels"
	"github.com/relay-ai/relay/internal/channels/chunk"
	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/pkg/models"
)

// MaxMessageLength is Telegram's hard limit per message.
const MaxMessageLength = 4096

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

// Config holds the adapter settings.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// MaxLength overrides the per-message split size. Defaults to the
	// platform limit.
	MaxLength int

	// RateLimit is outbound calls per second; RateBurst the burst capacity.
	RateLimit float64
	RateBurst int

	// Voice synthesizes spoken replies when a response asks for voice. May
	// be nil; voice responses then fall back to text.
	Voice ports.Voice

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Token == "" {
		return errdefs.New(errdefs.KindInternal, "telegram token is required")
	}
	if c.MaxLength <= 0 || c.MaxLength > MaxMessageLength {
		c.MaxLength = MaxMessageLength
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 25
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter over long polling.
type Adapter struct {
	config  Config
	logger  *slog.Logger
	limiter *channels.RateLimiter
	sleep   channels.Sleeper

	bot    *bot.Bot
	events chan *models.InboundEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statusMu sync.RWMutex
	status   channels.Status
}

// NewAdapter validates the config and builds the adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:  config,
		logger:  config.Logger.With("adapter", "telegram"),
		limiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		sleep:   channels.SleepContext,
		events:  make(chan *models.InboundEvent, 100),
	}, nil
}

// Start connects the bot and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		cancel()
		return errdefs.Wrap(errdefs.KindUpstreamUnavailable, "create telegram bot", err)
	}
	a.bot = b
	a.setStatus(true, "")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.events)
		a.bot.Start(ctx) // blocks until ctx ends
		a.setStatus(false, "")
	}()

	a.logger.Info("telegram adapter started")
	return nil
}

// Stop cancels polling and waits for the intake goroutine.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tg.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message

	ev := &models.InboundEvent{
		Channel:    models.ChannelTelegram,
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		Text:       msg.Text,
		Metadata:   map[string]any{"message_id": msg.ID},
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.Voice != nil {
		ev.Voice = &models.VoiceMeta{
			Duration: msg.Voice.Duration,
			MimeType: msg.Voice.MimeType,
		}
		ev.Metadata["voice_file_id"] = msg.Voice.FileID
	}

	select {
	case a.events <- ev:
		a.statusMu.Lock()
		a.status.LastEvent = time.Now().Unix()
		a.statusMu.Unlock()
	case <-ctx.Done():
	default:
		a.logger.Warn("inbound event buffer full, dropping update", "chat_id", ev.ChatID)
	}
}

// Send splits the response at the platform limit and delivers each chunk in
// order. Voice responses synthesize audio first and fall back to text when
// synthesis is unavailable or fails.
func (a *Adapter) Send(ctx context.Context, resp *models.OutgoingResponse) error {
	chatID, err := strconv.ParseInt(resp.ChatID, 10, 64)
	if err != nil {
		return errdefs.Wrap(errdefs.KindUserInputInvalid, "bad telegram chat id", err)
	}

	if resp.Voice && a.sendVoice(ctx, chatID, resp.Text) {
		return nil
	}

	for _, piece := range chunk.Split(resp.Text, a.config.MaxLength) {
		piece := piece
		err := channels.SendWithRetry(ctx, a.logger, a.sleep, func(ctx context.Context) error {
			return a.sendChunk(ctx, chatID, piece)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// sendChunk tries HTML formatting first, then resends as plain text when the
// API rejects the entities.
func (a *Adapter) sendChunk(ctx context.Context, chatID int64, text string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: tg.ParseModeHTML,
	})
	if err != nil && isParseError(err) {
		a.logger.Debug("html parse rejected, resending plain", "chat_id", chatID)
		_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
		})
	}
	if err != nil {
		return classifySendError(err)
	}
	return nil
}

// sendVoice reports whether it delivered the response as audio. Chats that
// block voice notes (Telegram Premium privacy setting) get the same audio as
// a file attachment instead.
func (a *Adapter) sendVoice(ctx context.Context, chatID int64, text string) bool {
	if a.config.Voice == nil || !a.config.Voice.Available() {
		return false
	}
	audio, err := a.config.Voice.Synthesize(ctx, text, "")
	if err != nil {
		a.logger.Warn("voice synthesis failed, falling back to text", "error", err)
		return false
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return false
	}
	_, err = a.bot.SendVoice(ctx, &bot.SendVoiceParams{
		ChatID: chatID,
		Voice: &tg.InputFileUpload{
			Filename: "reply.ogg",
			Data:     bytes.NewReader(audio),
		},
	})
	if err != nil && isVoiceForbidden(err) {
		a.logger.Debug("voice notes blocked, resending as audio attachment", "chat_id", chatID)
		if a.sendAudio(ctx, chatID, audio) {
			return true
		}
	}
	if err != nil {
		a.logger.Warn("voice send failed, falling back to text", "error", err)
		return false
	}
	return true
}

func (a *Adapter) sendAudio(ctx context.Context, chatID int64, audio []byte) bool {
	if err := a.limiter.Wait(ctx); err != nil {
		return false
	}
	_, err := a.bot.SendAudio(ctx, &bot.SendAudioParams{
		ChatID: chatID,
		Audio: &tg.InputFileUpload{
			Filename: "reply.ogg",
			Data:     bytes.NewReader(audio),
		},
	})
	if err != nil {
		a.logger.Warn("audio send failed, falling back to text", "error", err)
		return false
	}
	return true
}

// Typing shows the typing indicator for the chat. Failures are ignored; the
// indicator is cosmetic.
func (a *Adapter) Typing(ctx context.Context, chatID string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || a.bot == nil {
		return
	}
	a.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: id,
		Action: tg.ChatActionTyping,
	})
}

// Events returns the inbound stream.
func (a *Adapter) Events() <-chan *models.InboundEvent {
	return a.events
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelTelegram
}

// Status returns the connection state.
func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

func (a *Adapter) setStatus(connected bool, errMsg string) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.Connected = connected
	a.status.Error = errMsg
}

// classifySendError maps Bot API failures onto the error taxonomy. The API
// reports throttling in the error text ("Too Many Requests: retry after N").
func classifySendError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "Too Many Requests") || strings.Contains(msg, "429") {
		retryAfter := time.Duration(0)
		if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
			if secs, perr := strconv.Atoi(m[1]); perr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return errdefs.RateLimited(fmt.Sprintf("telegram: %s", msg), retryAfter)
	}
	return errdefs.Wrap(errdefs.KindUpstreamUnavailable, "telegram send", err)
}

func isParseError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

// isVoiceForbidden matches the Bot API error for chats whose privacy settings
// block voice notes.
func isVoiceForbidden(err error) bool {
	return strings.Contains(err.Error(), "VOICE_MESSAGES_FORBIDDEN")
}
