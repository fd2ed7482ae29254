package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"healthsync/services/pipeline-api/internal/resilience"
)

const DefaultEndpoint = "https://fcm.googleapis.com"

// Message is the notification delivered to every address of a batch.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

type Sender struct {
	endpoint   string
	projectID  string
	httpClient *http.Client
}

// NewSender builds an FCM HTTP v1 sender. Per-call deadlines come from the
// caller's context.
func NewSender(endpoint, projectID string) *Sender {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Sender{
		endpoint:   strings.TrimRight(endpoint, "/"),
		projectID:  projectID,
		httpClient: &http.Client{},
	}
}

type sendRequest struct {
	Message sendMessage `json:"message"`
}

type sendMessage struct {
	Token        string            `json:"token"`
	Notification sendNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type sendNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send delivers msg to one registration token. Rejections that will not
// succeed on retry (4xx except 408 and 429) are marked permanent.
func (s *Sender) Send(ctx context.Context, accessToken, address string, msg Message) error {
	payload, err := json.Marshal(sendRequest{Message: sendMessage{
		Token:        address,
		Notification: sendNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}})
	if err != nil {
		return resilience.Permanent(fmt.Errorf("push: encode message: %w", err))
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", s.endpoint, s.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("push: create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	err = fmt.Errorf("push: fcm status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return err
	default:
		return resilience.Permanent(err)
	}
}
