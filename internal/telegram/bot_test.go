package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeAPI struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	f.mu.Lock()
	f.calls = append(f.calls, method)
	body, ok := f.replies[method]
	f.mu.Unlock()
	if !ok {
		body = `{"ok":true,"result":true}`
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, body)
}

func (f *fakeAPI) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

const messageReply = `{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":42,"type":"private"}}}`

func testBot(t *testing.T, replies map[string]string) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{replies: map[string]string{
		"getMe": `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Dash","username":"dash_bot"}}`,
	}}
	for k, v := range replies {
		api.replies[k] = v
	}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	b, err := New(context.Background(), Options{
		Token:       "123:abc",
		Endpoint:    srv.URL + "/bot%s/%s",
		Timeout:     2 * time.Second,
		PollTimeout: 1,
		Rate:        rate.Inf,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return b, api
}

func TestSendAndEdit(t *testing.T) {
	b, api := testBot(t, map[string]string{
		"sendPhoto":        messageReply,
		"sendMessage":      messageReply,
		"editMessageMedia": messageReply,
	})
	ctx := context.Background()
	assert.Equal(t, "dash_bot", b.Username())

	id, err := b.SendPhoto(ctx, 42, "caption", []byte("\x89PNG"))
	require.NoError(t, err)
	assert.Equal(t, 77, id)

	id, err = b.SendText(ctx, 42, "desk", Keyboard{Row(Button{Text: "Status", Data: "refresh"})})
	require.NoError(t, err)
	assert.Equal(t, 77, id)

	require.NoError(t, b.EditPhoto(ctx, 42, 77, "caption", []byte("\x89PNG")))
	require.NoError(t, b.Delete(ctx, 42, 77))
	require.NoError(t, b.AnswerCallback(ctx, "cb1", ""))
	require.NoError(t, b.DeleteWebhook(ctx))

	assert.Equal(t, []string{"getMe", "sendPhoto", "sendMessage", "editMessageMedia", "deleteMessage", "answerCallbackQuery", "deleteWebhook"}, api.called())
}

func TestEditErrorsClassified(t *testing.T) {
	b, _ := testBot(t, map[string]string{
		"editMessageCaption": `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified: specified new message content and reply markup are exactly the same"}`,
		"editMessageText":    `{"ok":false,"error_code":400,"description":"Bad Request: message to edit not found"}`,
	})
	ctx := context.Background()

	err := b.EditCaption(ctx, 42, 1, "same")
	assert.True(t, IsNotModified(err))
	assert.False(t, IsMessageGone(err))

	err = b.EditText(ctx, 42, 1, "text", nil)
	assert.True(t, IsMessageGone(err))
	assert.Equal(t, "message_gone", Kind(err))
}

func TestGetUpdates(t *testing.T) {
	b, _ := testBot(t, map[string]string{
		"getUpdates": `{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":5,"date":0,"chat":{"id":42,"type":"private"},"from":{"id":42,"is_bot":false,"first_name":"O"},"text":"/start now","entities":[{"type":"bot_command","offset":0,"length":6}]}},
			{"update_id":11,"callback_query":{"id":"cb-1","from":{"id":42,"is_bot":false,"first_name":"O"},"chat_instance":"x","data":"clients:+1","message":{"message_id":9,"date":0,"chat":{"id":42,"type":"private"}}}},
			{"update_id":12,"message":{"message_id":6,"date":0,"chat":{"id":42,"type":"private"},"text":"hello"}}
		]}`,
	})

	ups, err := b.GetUpdates(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, ups, 3)

	require.NotNil(t, ups[0].Command)
	assert.Equal(t, "start", ups[0].Command.Name)
	assert.Equal(t, "now", ups[0].Command.Args)
	assert.Equal(t, int64(42), ups[0].Command.ChatID)

	require.NotNil(t, ups[1].Callback)
	assert.Equal(t, "cb-1", ups[1].Callback.ID)
	assert.Equal(t, "clients:+1", ups[1].Callback.Data)
	assert.Equal(t, 9, ups[1].Callback.MessageID)
	assert.Equal(t, int64(42), ups[1].Callback.ChatID)

	assert.Equal(t, 12, ups[2].ID)
	assert.Nil(t, ups[2].Command)
	assert.Nil(t, ups[2].Callback)
}

func TestNewRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	_, err := New(context.Background(), Options{Token: "bad", Endpoint: srv.URL + "/bot%s/%s", Timeout: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
}

func TestNewGivesUpOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := New(ctx, Options{Token: "t", Endpoint: srv.URL + "/bot%s/%s", Timeout: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestClassification(t *testing.T) {
	flood := &tgbotapi.Error{Code: 429, Message: "Too Many Requests: retry after 3", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 3}}
	wait, ok := RetryAfter(flood)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, wait)
	assert.True(t, IsTransient(flood))
	assert.Equal(t, "rate_limited", Kind(flood))

	wrapped := fmt.Errorf("editing: %w", &tgbotapi.Error{Code: 400, Message: "Bad Request: MESSAGE_ID_INVALID"})
	assert.True(t, IsMessageGone(wrapped))
	assert.False(t, IsTransient(wrapped))

	netErr := errors.New("dial tcp: connection refused")
	assert.True(t, IsTransient(netErr))
	assert.False(t, IsTransient(context.Canceled))
	assert.Equal(t, "transient", Kind(netErr))

	assert.True(t, IsTransient(&tgbotapi.Error{Code: 502, Message: "Bad Gateway"}))
	assert.Equal(t, "api", Kind(&tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}))
}
