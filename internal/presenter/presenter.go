// Package presenter owns the two live chat messages: the dashboard and the
// command desk. Both are edited in place and only resent when the chat no
// longer has them.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blikh/easyconduit/internal/metrics"
	"github.com/blikh/easyconduit/internal/state"
	"github.com/blikh/easyconduit/internal/telegram"
)

// ErrDeferred wraps transient failures that exhausted the retry budget. The
// caller should simply try again on its next cycle.
var ErrDeferred = errors.New("presenter: deferred to next cycle")

// Transport is the subset of the chat client the presenter drives.
type Transport interface {
	SendPhoto(ctx context.Context, chatID int64, caption string, png []byte) (int, error)
	EditPhoto(ctx context.Context, chatID int64, messageID int, caption string, png []byte) error
	EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error
	SendText(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string, kb telegram.Keyboard) error
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// Desk is one rendering of the command desk.
type Desk struct {
	Text     string
	Keyboard telegram.Keyboard
	View     string
}

type Presenter struct {
	chat    Transport
	store   *state.Store
	chatID  int64
	retries int
	maxWait time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

func New(chat Transport, store *state.Store, chatID int64, retries int, logger *slog.Logger) *Presenter {
	if retries < 1 {
		retries = 1
	}
	return &Presenter{
		chat:    chat,
		store:   store,
		chatID:  chatID,
		retries: retries,
		maxWait: 5 * time.Second,
		sleep:   sleepCtx,
		logger:  logger,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// UpsertDashboard shows caption and image in the dashboard message. A nil
// image produces a caption-only message; once an image is available again a
// text dashboard is replaced by a photo.
func (p *Presenter) UpsertDashboard(ctx context.Context, caption string, png []byte) error {
	st := p.store.Load()
	kind := state.DashboardText
	if png != nil {
		kind = state.DashboardPhoto
	}

	if id := st.DashboardMessageID; id != nil {
		err := p.editDashboard(ctx, *id, st.DashboardKind, caption, png)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errReplace):
			p.logger.Info("presenter: replacing text dashboard with photo", "message_id", *id)
		case telegram.IsMessageGone(err):
			p.logger.Warn("presenter: dashboard message gone, recreating", "message_id", *id, "err", err)
			metrics.MessagesRecreated.WithLabelValues("dashboard").Inc()
		default:
			return err
		}
		if err := p.store.Update(func(s *state.BotState) error {
			s.DashboardMessageID = nil
			s.DashboardKind = ""
			return nil
		}); err != nil {
			return fmt.Errorf("presenter: clearing dashboard id: %w", err)
		}
	}

	var newID int
	err := p.retry(ctx, "send_dashboard", func() error {
		var err error
		if png != nil {
			newID, err = p.chat.SendPhoto(ctx, p.chatID, caption, png)
		} else {
			newID, err = p.chat.SendText(ctx, p.chatID, caption, nil)
		}
		return err
	})
	if err != nil {
		return err
	}
	if err := p.store.Update(func(s *state.BotState) error {
		s.DashboardMessageID = &newID
		s.DashboardKind = kind
		return nil
	}); err != nil {
		return fmt.Errorf("presenter: saving dashboard id: %w", err)
	}
	p.logger.Info("presenter: dashboard sent", "message_id", newID, "kind", kind)
	return nil
}

// errReplace signals that the stored text dashboard was removed so a photo
// can take its place.
var errReplace = errors.New("replace dashboard")

// ImageOutdated is appended to a caption that replaces a photo's caption
// without replacing the photo.
const ImageOutdated = "(Image unavailable. The picture is from an earlier update.)"

func (p *Presenter) editDashboard(ctx context.Context, id int, kind state.DashboardKind, caption string, png []byte) error {
	if kind == state.DashboardText && png != nil {
		err := p.retry(ctx, "delete_dashboard", func() error {
			return p.chat.Delete(ctx, p.chatID, id)
		})
		if err != nil && !telegram.IsMessageGone(err) {
			return err
		}
		return errReplace
	}

	return p.retry(ctx, "edit_dashboard", func() error {
		switch {
		case kind == state.DashboardText:
			return p.chat.EditText(ctx, p.chatID, id, caption, nil)
		case png != nil:
			return p.chat.EditPhoto(ctx, p.chatID, id, caption, png)
		default:
			return p.chat.EditCaption(ctx, p.chatID, id, caption+"\n\n"+ImageOutdated)
		}
	})
}

// UpsertCommandDesk shows d in the command desk message.
func (p *Presenter) UpsertCommandDesk(ctx context.Context, d Desk) error {
	st := p.store.Load()
	if id := st.CommandDeskMessageID; id != nil {
		err := p.retry(ctx, "edit_desk", func() error {
			return p.chat.EditText(ctx, p.chatID, *id, d.Text, d.Keyboard)
		})
		switch {
		case err == nil:
			if st.DeskView == d.View {
				return nil
			}
			return p.store.Update(func(s *state.BotState) error {
				s.DeskView = d.View
				return nil
			})
		case telegram.IsMessageGone(err):
			p.logger.Warn("presenter: command desk gone, recreating", "message_id", *id, "err", err)
			metrics.MessagesRecreated.WithLabelValues("desk").Inc()
			if err := p.store.Update(func(s *state.BotState) error {
				s.CommandDeskMessageID = nil
				return nil
			}); err != nil {
				return fmt.Errorf("presenter: clearing desk id: %w", err)
			}
		default:
			return err
		}
	}

	var newID int
	err := p.retry(ctx, "send_desk", func() error {
		var err error
		newID, err = p.chat.SendText(ctx, p.chatID, d.Text, d.Keyboard)
		return err
	})
	if err != nil {
		return err
	}
	if err := p.store.Update(func(s *state.BotState) error {
		s.CommandDeskMessageID = &newID
		s.DeskView = d.View
		return nil
	}); err != nil {
		return fmt.Errorf("presenter: saving desk id: %w", err)
	}
	p.logger.Info("presenter: command desk sent", "message_id", newID, "view", d.View)
	return nil
}

// Reset deletes both live messages and forgets their ids, so the next
// upserts send them fresh at the bottom of the chat.
func (p *Presenter) Reset(ctx context.Context) error {
	st := p.store.Load()
	for _, id := range []*int{st.DashboardMessageID, st.CommandDeskMessageID} {
		if id == nil {
			continue
		}
		if err := p.chat.Delete(ctx, p.chatID, *id); err != nil && !telegram.IsMessageGone(err) {
			// An undeletable message stays in the chat; the bot only loses track of it.
			p.logger.Warn("presenter: deleting message failed", "message_id", *id, "err", err)
			metrics.TelegramErrors.WithLabelValues("delete", telegram.Kind(err)).Inc()
		}
	}
	return p.store.Update(func(s *state.BotState) error {
		s.DashboardMessageID = nil
		s.DashboardKind = ""
		s.CommandDeskMessageID = nil
		s.DeskView = ""
		return nil
	})
}

// retry runs fn up to p.retries times while it fails transiently. A
// not-modified edit counts as success.
func (p *Presenter) retry(ctx context.Context, op string, fn func() error) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || telegram.IsNotModified(err) {
			return nil
		}
		metrics.TelegramErrors.WithLabelValues(op, telegram.Kind(err)).Inc()
		if !telegram.IsTransient(err) {
			return fmt.Errorf("presenter: %s: %w", op, err)
		}
		if attempt >= p.retries {
			break
		}

		wait := backoff
		if ra, ok := telegram.RetryAfter(err); ok {
			wait = ra
		}
		wait = min(wait, p.maxWait)
		p.logger.Debug("presenter: transient error, retrying", "op", op, "attempt", attempt, "wait", wait, "err", err)
		if serr := p.sleep(ctx, wait); serr != nil {
			break
		}
		backoff *= 2
	}
	p.logger.Warn("presenter: giving up until next cycle", "op", op, "err", err)
	return fmt.Errorf("%w: %s: %w", ErrDeferred, op, err)
}
