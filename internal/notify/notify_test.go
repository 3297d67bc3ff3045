package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/backutil/backutil/internal/backutil"
	"github.com/backutil/backutil/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestBackupComplete_SendsExpectedPayload(t *testing.T) {
	var captured sendMessageRequest
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&captured))
		assert.Contains(t, req.URL.String(), "/bottok123/sendMessage")
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}, nil
	}}

	s := NewWithClient(testLogger(), client, "https://api.telegram.org")
	cfg := config.NotifyConfig{TelegramBotToken: "tok123", TelegramChatID: "42"}
	s.BackupComplete(context.Background(), cfg, "demo", backutil.BackupCompleteEvent{
		Set: "demo", SnapshotID: "abc123", AddedBytes: 2048, DurationS: 1.5,
	})

	assert.Equal(t, "42", captured.ChatID)
	assert.Contains(t, captured.Text, "abc123")
	assert.Contains(t, captured.Text, "demo")
}

func TestBackupFailed_SendsExpectedPayload(t *testing.T) {
	var captured sendMessageRequest
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&captured))
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}, nil
	}}

	s := NewWithClient(testLogger(), client, "https://api.telegram.org")
	cfg := config.NotifyConfig{TelegramBotToken: "tok", TelegramChatID: "7"}
	s.BackupFailed(context.Background(), cfg, "demo", backutil.BackupFailedEvent{Set: "demo", Error: "repository locked"})

	assert.Contains(t, captured.Text, "repository locked")
	assert.Contains(t, captured.Text, "Backup Failed")
}

func TestSend_NonOKStatusIsLoggedNotPanicked(t *testing.T) {
	client := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusForbidden, Body: io.NopCloser(strings.NewReader(""))}, nil
	}}

	s := NewWithClient(testLogger(), client, "https://api.telegram.org")
	assert.NotPanics(t, func() {
		s.BackupComplete(context.Background(), config.NotifyConfig{TelegramBotToken: "t", TelegramChatID: "1"},
			"demo", backutil.BackupCompleteEvent{})
	})
}
