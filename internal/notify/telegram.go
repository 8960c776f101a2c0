package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	telegramAPI      = "https://api.telegram.org/bot%s/sendMessage"
	telegramAttempts = 3
)

// Telegram pushes alerts to a chat or channel via the Bot API.
type Telegram struct {
	token  string
	chatID string
	client *http.Client
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		token:  botToken,
		chatID: chatID,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// SendText delivers one message, retrying transport and non-2xx
// failures with a linear backoff.
func (t *Telegram) SendText(text string) error {
	if t.token == "" || t.chatID == "" {
		return fmt.Errorf("telegram notifier is not configured")
	}
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= telegramAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * time.Second)
		}
		if lastErr = t.post(body); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (t *Telegram) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf(telegramAPI, t.token), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("telegram status=%d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
