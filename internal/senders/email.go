package senders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketalerts/internal/models"
)

// EmailSender hands a notification off to an external mail relay over
// HTTP. Success means the relay accepted the message, not that the user
// read it. Address resolution is the relay's job; we identify the
// recipient by user id.
type EmailSender struct {
	relayURL   string
	from       string
	httpClient *http.Client
}

func NewEmailSender(relayURL, from string, timeout time.Duration) *EmailSender {
	return &EmailSender{
		relayURL: relayURL,
		from:     from,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *EmailSender) Channel() models.Channel {
	return models.ChannelEmail
}

type relayRequest struct {
	UserID  string `json:"user_id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *EmailSender) Send(ctx context.Context, rec *models.NotificationRecord) error {
	err := s.post(ctx, relayRequest{
		UserID:  rec.UserID,
		From:    s.from,
		Subject: rec.Title,
		Body:    rec.Body,
	})
	recordSend(models.ChannelEmail, err)
	return err
}

// SendDigest delivers one batched email, the deferred invocation mode
// used by the digest flusher and quiet-hours deferral.
func (s *EmailSender) SendDigest(ctx context.Context, userID, subject, body string) error {
	err := s.post(ctx, relayRequest{
		UserID:  userID,
		From:    s.from,
		Subject: subject,
		Body:    body,
	})
	recordSend(models.ChannelEmail, err)
	return err
}

func (s *EmailSender) post(ctx context.Context, payload relayRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.relayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("email relay send failed status=%d body=%s", resp.StatusCode, string(raw))
	}
	return nil
}
