package senders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketalerts/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailSenderPostsToRelay(t *testing.T) {
	var got relayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewEmailSender(srv.URL, "alerts@marketalerts.local", 5*time.Second)
	err := s.Send(context.Background(), &models.NotificationRecord{
		UserID: "user-1",
		Title:  "BTC-USD crossed above 8000",
		Body:   "BTC-USD is now 8150.",
	})
	require.NoError(t, err)

	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "alerts@marketalerts.local", got.From)
	assert.Equal(t, "BTC-USD crossed above 8000", got.Subject)
	assert.Equal(t, "BTC-USD is now 8150.", got.Body)
}

func TestEmailSenderRejectedByRelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox over quota", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewEmailSender(srv.URL, "alerts@marketalerts.local", 5*time.Second)
	err := s.Send(context.Background(), &models.NotificationRecord{UserID: "user-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=502")
	assert.Contains(t, err.Error(), "mailbox over quota")
}

func TestEmailSenderRelayUnreachable(t *testing.T) {
	s := NewEmailSender("http://127.0.0.1:1/send", "alerts@marketalerts.local", 500*time.Millisecond)
	err := s.Send(context.Background(), &models.NotificationRecord{UserID: "user-1"})
	require.Error(t, err)
}

func TestSendDigestUsesRecipientAndSubject(t *testing.T) {
	var got relayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewEmailSender(srv.URL, "alerts@marketalerts.local", 5*time.Second)
	err := s.SendDigest(context.Background(), "user-2", "Market alert digest: 2 notifications", "combined body")
	require.NoError(t, err)

	assert.Equal(t, "user-2", got.UserID)
	assert.Equal(t, "Market alert digest: 2 notifications", got.Subject)
}
