// Package telegram is the chat transport: a thin, rate-paced wrapper over the
// Bot API client that speaks in chat ids, message ids and keyboards.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// Update is an inbound event the bot reacts to: a slash command or an inline
// button press.
type Update struct {
	ID       int
	Command  *Command
	Callback *Callback
}

// Command is a "/name args" text message.
type Command struct {
	ChatID    int64
	FromID    int64
	MessageID int
	Name      string
	Args      string
}

// Callback is an inline button press. ID is unique per press and is what
// duplicate deliveries share.
type Callback struct {
	ID        string
	ChatID    int64
	FromID    int64
	MessageID int
	Data      string
}

// Options configures the Bot API connection.
type Options struct {
	Token    string
	Endpoint string // Bot API endpoint format; empty means api.telegram.org
	Timeout  time.Duration
	// PollTimeout is the long-poll duration in seconds.
	PollTimeout int
	// Rate and Burst pace outgoing calls. getUpdates is not paced.
	Rate  rate.Limit
	Burst int
}

// Bot is the Bot API client used by the presenter and the scheduler.
type Bot struct {
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter
	poll    int
	logger  *slog.Logger
}

// splitClient gives long-poll requests a longer deadline than the rest and
// ties every request to the process context so shutdown is prompt.
type splitClient struct {
	base  context.Context
	short *http.Client
	long  *http.Client
}

func (c *splitClient) Do(req *http.Request) (*http.Response, error) {
	req = req.WithContext(c.base)
	if strings.HasSuffix(req.URL.Path, "/getUpdates") {
		return c.long.Do(req)
	}
	return c.short.Do(req)
}

// New connects to the Bot API, retrying getMe with backoff until it succeeds
// or ctx ends. base bounds the lifetime of every later request.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Bot, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = tgbotapi.APIEndpoint
	}
	if opts.Rate == 0 {
		opts.Rate = rate.Every(250 * time.Millisecond)
	}
	if opts.Burst == 0 {
		opts.Burst = 4
	}
	client := &splitClient{
		base:  ctx,
		short: &http.Client{Timeout: opts.Timeout},
		long:  &http.Client{Timeout: time.Duration(opts.PollTimeout)*time.Second + opts.Timeout},
	}

	backoff := time.Second
	for {
		api, err := tgbotapi.NewBotAPIWithClient(opts.Token, opts.Endpoint, client)
		if err == nil {
			logger.Info("telegram: connected", "username", api.Self.UserName)
			return &Bot{
				api:     api,
				limiter: rate.NewLimiter(opts.Rate, opts.Burst),
				poll:    opts.PollTimeout,
				logger:  logger,
			}, nil
		}
		if IsUnauthorized(err) {
			return nil, fmt.Errorf("telegram: bot token rejected: %w", err)
		}
		logger.Warn("telegram: getMe failed, retrying", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("telegram: connecting: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Minute)
	}
}

func (b *Bot) Username() string { return b.api.Self.UserName }

func (b *Bot) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: rate limiter: %w", err)
	}
	return nil
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) (int, error) {
	if err := b.wait(ctx); err != nil {
		return 0, err
	}
	msg, err := b.api.Send(c)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (b *Bot) request(ctx context.Context, c tgbotapi.Chattable) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Request(c)
	return err
}

func (b *Bot) SendPhoto(ctx context.Context, chatID int64, caption string, png []byte) (int, error) {
	cfg := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "dashboard.png", Bytes: png})
	cfg.Caption = caption
	return b.send(ctx, cfg)
}

// EditPhoto replaces the image and caption of an existing photo message.
func (b *Bot) EditPhoto(ctx context.Context, chatID int64, messageID int, caption string, png []byte) error {
	media := tgbotapi.NewInputMediaPhoto(tgbotapi.FileBytes{Name: "dashboard.png", Bytes: png})
	media.Caption = caption
	cfg := tgbotapi.EditMessageMediaConfig{
		BaseEdit: tgbotapi.BaseEdit{ChatID: chatID, MessageID: messageID},
		Media:    media,
	}
	return b.request(ctx, cfg)
}

func (b *Bot) EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error {
	return b.request(ctx, tgbotapi.NewEditMessageCaption(chatID, messageID, caption))
}

func (b *Bot) SendText(ctx context.Context, chatID int64, text string, kb Keyboard) (int, error) {
	cfg := tgbotapi.NewMessage(chatID, text)
	if len(kb) > 0 {
		cfg.ReplyMarkup = kb.markup()
	}
	return b.send(ctx, cfg)
}

// EditText rewrites a text message and its keyboard.
func (b *Bot) EditText(ctx context.Context, chatID int64, messageID int, text string, kb Keyboard) error {
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if len(kb) > 0 {
		markup := kb.markup()
		cfg.ReplyMarkup = &markup
	}
	return b.request(ctx, cfg)
}

func (b *Bot) Delete(ctx context.Context, chatID int64, messageID int) error {
	return b.request(ctx, tgbotapi.NewDeleteMessage(chatID, messageID))
}

// AnswerCallback stops the button spinner, optionally with a toast.
func (b *Bot) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return b.request(ctx, tgbotapi.NewCallback(callbackID, text))
}

// DeleteWebhook removes any webhook so long polling receives updates.
func (b *Bot) DeleteWebhook(ctx context.Context) error {
	return b.request(ctx, tgbotapi.DeleteWebhookConfig{DropPendingUpdates: false})
}

// BotCommand is an entry of the chat's command menu.
type BotCommand struct {
	Command     string
	Description string
}

func (b *Bot) SetCommands(ctx context.Context, cmds []BotCommand) error {
	out := make([]tgbotapi.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, tgbotapi.BotCommand{Command: c.Command, Description: c.Description})
	}
	return b.request(ctx, tgbotapi.NewSetMyCommands(out...))
}

// GetUpdates long-polls for commands and button presses from offset on.
// Other update kinds are skipped but still advance the offset.
func (b *Bot) GetUpdates(ctx context.Context, offset int) ([]Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = b.poll
	cfg.AllowedUpdates = []string{"message", "callback_query"}

	raw, err := b.api.GetUpdates(cfg)
	if err != nil {
		return nil, err
	}
	out := make([]Update, 0, len(raw))
	for _, u := range raw {
		out = append(out, convert(u))
	}
	return out, nil
}

func convert(u tgbotapi.Update) Update {
	out := Update{ID: u.UpdateID}
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		cb := &Callback{ID: cq.ID, Data: cq.Data}
		if cq.From != nil {
			cb.FromID = cq.From.ID
		}
		if cq.Message != nil {
			cb.MessageID = cq.Message.MessageID
			if cq.Message.Chat != nil {
				cb.ChatID = cq.Message.Chat.ID
			}
		}
		out.Callback = cb
	case u.Message != nil && u.Message.IsCommand():
		m := u.Message
		cmd := &Command{
			MessageID: m.MessageID,
			Name:      m.Command(),
			Args:      m.CommandArguments(),
		}
		if m.Chat != nil {
			cmd.ChatID = m.Chat.ID
		}
		if m.From != nil {
			cmd.FromID = m.From.ID
		}
		out.Command = cmd
	}
	return out
}
