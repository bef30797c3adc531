package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() Message {
	return Message{
		Event:  "item_halted",
		ItemID: "X1",
		Text:   "validation dialog requires an operator",
		Time:   time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
}

func TestMessage_String(t *testing.T) {
	assert.Equal(t, "[item_halted] X1: validation dialog requires an operator", testMessage().String())
	assert.Equal(t, "[daemon_started] ready", Message{Event: "daemon_started", Text: "ready"}.String())
}

type recordingNotifier struct {
	got []Message
	err error
}

func (r *recordingNotifier) Send(_ context.Context, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func TestMulti_SendsToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingNotifier{}
	b := &recordingNotifier{err: boom}
	c := &recordingNotifier{}

	err := Multi{a, b, c}.Send(context.Background(), testMessage())

	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.got, 1)
	assert.Len(t, c.got, 1)
	assert.NoError(t, Multi{}.Send(context.Background(), testMessage()))
	assert.NoError(t, Nop{}.Send(context.Background(), testMessage()))
}

func TestTelegram_Send(t *testing.T) {
	var payload map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "TOKEN", ChatID: "42", APIURL: ts.URL})
	require.NoError(t, err)

	require.NoError(t, tg.Send(context.Background(), testMessage()))
	assert.Equal(t, "42", payload["chat_id"])
	assert.Contains(t, payload["text"], "X1")
}

func TestTelegram_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "T", ChatID: "1", APIURL: ts.URL, Retries: 1})
	require.NoError(t, err)

	require.NoError(t, tg.Send(context.Background(), testMessage()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelegram_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "T", ChatID: "1", APIURL: ts.URL, Retries: 3})
	require.NoError(t, err)

	err = tg.Send(context.Background(), testMessage())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTelegram_RequiresCredentials(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{Token: "T"})
	assert.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "T", ChatID: "1", Retries: -1})
	assert.Error(t, err)
}

func TestRedis_Publish(t *testing.T) {
	mr := miniredis.RunT(t)

	r, err := NewRedis(RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultRedisChannel)
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() { ch <- <-sub.Messages() }()

	require.NoError(t, r.Send(context.Background(), testMessage()))

	select {
	case msg := <-ch:
		var got Message
		require.NoError(t, json.Unmarshal([]byte(msg.Message), &got))
		assert.Equal(t, "X1", got.ItemID)
		assert.Equal(t, "item_halted", got.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
	}
}

func TestRedis_FailsWhenServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	r, err := NewRedis(RedisConfig{URL: "redis://" + addr, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	assert.Error(t, r.Send(context.Background(), testMessage()))
}

func TestNewRedis_Validation(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	assert.Error(t, err)
	_, err = NewRedis(RedisConfig{URL: "not a url"})
	assert.Error(t, err)
}
