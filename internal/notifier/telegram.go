// Package notifier delivers rendered alert text to individual recipients.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Notifier sends one text message to one recipient.
type Notifier interface {
	Send(ctx context.Context, recipientID, text string) error
}

// Sender is the part of tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// NewBotAPI builds a Bot API client for baseURL without the getMe round trip.
// It can send but must not be used for long polling.
func NewBotAPI(token, baseURL string, client *http.Client) *tgbotapi.BotAPI {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if client == nil {
		client = &http.Client{}
	}
	api := &tgbotapi.BotAPI{Token: token, Client: client, Buffer: 100}
	api.SetAPIEndpoint(strings.TrimRight(baseURL, "/") + "/bot%s/%s")
	return api
}

// TelegramOptions parameterise the Bot API notifier.
type TelegramOptions struct {
	RateLimit float64
	Burst     int
}

// TelegramNotifier pushes messages through the Bot API sendMessage method.
type TelegramNotifier struct {
	api     Sender
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier. A non-positive RateLimit disables throttling.
func NewTelegramNotifier(api Sender, opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &TelegramNotifier{
		api:     api,
		limiter: limiter,
		logger:  logger.With().Str("component", "notifier_telegram").Logger(),
	}
}

// Send calls sendMessage for one chat. Numeric ids address chats; anything else is
// treated as a channel username.
func (n *TelegramNotifier) Send(ctx context.Context, recipientID, text string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}

	var msg tgbotapi.MessageConfig
	if chatID, err := strconv.ParseInt(recipientID, 10, 64); err == nil {
		msg = tgbotapi.NewMessage(chatID, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(recipientID, text)
	}

	if _, err := n.api.Send(msg); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			return fmt.Errorf("telegram status %d: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("send telegram request: %w", err)
	}

	n.logger.Debug().Str("chat_id", recipientID).Msg("message delivered")
	return nil
}

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a notifier for runs without a messaging backend.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier_log").Logger()}
}

// Send logs the message.
func (n *LogNotifier) Send(_ context.Context, recipientID, text string) error {
	n.logger.Info().Str("recipient", recipientID).Str("text", text).Msg("notification")
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
