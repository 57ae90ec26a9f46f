package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Slack posts to an incoming webhook. The destination is the webhook URL.
type Slack struct {
	Client *http.Client
}

func NewSlack() *Slack {
	return &Slack{
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type slackPayload struct {
	Text string `json:"text"`
}

func (s *Slack) Send(ctx context.Context, n Notification, destination string) error {
	if !strings.HasPrefix(destination, "https://") && !strings.HasPrefix(destination, "http://") {
		return errors.New("slack destination must be a webhook url")
	}
	body, _ := json.Marshal(slackPayload{Text: "*" + n.Host + " " + n.State() + "*\n" + n.Text()})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errors.New("slack non-2xx")
	}
	return nil
}
