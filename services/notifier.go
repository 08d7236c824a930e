package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chorus/presence-tracker/models"
)

// Notifier mirrors session lifecycle to an external chat. Create returns a
// handle that Edit accepts later. Neither call retries.
type Notifier interface {
	Create(ctx context.Context, text string) (string, error)
	Edit(ctx context.Context, handle, text string) error
}

// TelegramNotifier posts to one chat through the Telegram Bot API.
type TelegramNotifier struct {
	client  *http.Client
	baseURL string
	token   string
	chatID  string
}

func NewTelegramNotifier(baseURL, token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		chatID:  chatID,
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (t *TelegramNotifier) Create(ctx context.Context, text string) (string, error) {
	resp, err := t.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return "", err
	}
	if resp.Result.MessageID == 0 {
		return "", fmt.Errorf("%w: sendMessage returned no message_id", models.ErrNotificationFailed)
	}
	return strconv.FormatInt(resp.Result.MessageID, 10), nil
}

func (t *TelegramNotifier) Edit(ctx context.Context, handle, text string) error {
	messageID, err := strconv.ParseInt(handle, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid message handle %q", models.ErrNotificationFailed, handle)
	}
	_, err = t.call(ctx, "editMessageText", map[string]interface{}{
		"chat_id":    t.chatID,
		"message_id": messageID,
		"text":       text,
	})
	return err
}

func (t *TelegramNotifier) call(ctx context.Context, method string, body map[string]interface{}) (*telegramResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrNotificationFailed, method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrNotificationFailed, method, err)
	}
	defer res.Body.Close()

	var out telegramResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %s: status %d, undecodable body: %v", models.ErrNotificationFailed, method, res.StatusCode, err)
	}
	if !out.OK || res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d: %s", models.ErrNotificationFailed, method, res.StatusCode, out.Description)
	}
	return &out, nil
}

const (
	clockLayout = "15:04"
	dateLayout  = "02.01.2006"
)

// StartedText renders the message sent when a session opens.
func StartedText(identity string, onlineAt time.Time) string {
	return fmt.Sprintf("🟢 %s online\nSince: %s (%s)",
		displayName(identity), onlineAt.Format(clockLayout), onlineAt.Format(dateLayout))
}

// EndedText renders the replacement text once the session closes.
func EndedText(identity string, onlineAt, offlineAt time.Time, durationMinutes int) string {
	return fmt.Sprintf("🔴 %s offline\nOnline: %s (%s)\nOffline: %s (%s)\nDuration: %d min",
		displayName(identity),
		onlineAt.Format(clockLayout), onlineAt.Format(dateLayout),
		offlineAt.Format(clockLayout), offlineAt.Format(dateLayout),
		durationMinutes)
}

// displayName strips the WhatsApp JID suffix.
func displayName(identity string) string {
	if i := strings.IndexByte(identity, '@'); i > 0 {
		return "+" + identity[:i]
	}
	return identity
}
