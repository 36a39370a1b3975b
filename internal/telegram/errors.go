package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Descriptions the Bot API uses when the target message is gone or can no
// longer be edited. Matched case-insensitively as substrings.
var goneMarkers = []string{
	"message to edit not found",
	"message can't be edited",
	"message not found",
	"message to delete not found",
	"message can't be deleted",
	"there is no media in the message to edit",
	"there is no caption in the message to edit",
	"there is no text in the message to edit",
	"message_id_invalid",
}

func apiError(err error) (*tgbotapi.Error, bool) {
	var e *tgbotapi.Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsNotModified reports an edit whose content equals the current content.
// It is a success for the caller.
func IsNotModified(err error) bool {
	e, ok := apiError(err)
	return ok && strings.Contains(strings.ToLower(e.Message), "message is not modified")
}

// IsMessageGone reports that the referenced message was deleted or cannot
// be edited any more, so it has to be recreated.
func IsMessageGone(err error) bool {
	e, ok := apiError(err)
	if !ok {
		return false
	}
	msg := strings.ToLower(e.Message)
	for _, m := range goneMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func IsUnauthorized(err error) bool {
	e, ok := apiError(err)
	return ok && e.Code == http.StatusUnauthorized
}

// RetryAfter returns the flood-control wait the server asked for.
func RetryAfter(err error) (time.Duration, bool) {
	e, ok := apiError(err)
	if !ok {
		return 0, false
	}
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second, true
	}
	if e.Code == http.StatusTooManyRequests {
		return time.Second, true
	}
	return 0, false
}

// IsTransient reports failures worth retrying: transport errors, flood
// control and server-side errors. Other API errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	e, ok := apiError(err)
	if !ok {
		return !errors.Is(err, context.Canceled)
	}
	return e.Code == http.StatusTooManyRequests || e.Code >= 500 || e.RetryAfter > 0
}

// Kind is a coarse error label for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNotModified(err):
		return "not_modified"
	case IsMessageGone(err):
		return "message_gone"
	case IsUnauthorized(err):
		return "unauthorized"
	case isRateLimited(err):
		return "rate_limited"
	case IsTransient(err):
		return "transient"
	default:
		return "api"
	}
}

func isRateLimited(err error) bool {
	_, ok := RetryAfter(err)
	return ok
}
