package dispatch

import (
	"context"
	"errors"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Telegram publishes to a channel (or chat) through the Bot API. The message
// id of the sent message becomes the external id.
type Telegram struct {
	bot  *tele.Bot
	chat tele.ChatID
}

type TelegramConfig struct {
	Token  string
	ChatID int64
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	// NewBot calls getMe, so a bad token fails here rather than mid-tick.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: tele.ChatID(cfg.ChatID)}, nil
}

func (t *Telegram) Publish(ctx context.Context, content string) Result {
	msg, err := t.bot.Send(t.chat, content)
	if err == nil {
		return Result{Kind: Posted, ExternalID: strconv.Itoa(msg.ID)}
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return Result{
			Kind:       RateLimited,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Message:    err.Error(),
		}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		// The API understood the request and said no; retrying won't help.
		return Result{Kind: Fatal, Message: err.Error()}
	}
	return Result{Kind: RetryableError, Message: err.Error()}
}
