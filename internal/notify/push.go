package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-booking/internal/models"
)

// PushNotifier tries the websocket session first and falls back to posting
// the event to a push provider endpoint.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushNotifier(endpoint, key string, ws *WSRegistry) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushNotifier) Notify(userID string, ev models.BookingEvent) error {
	if p.WS != nil {
		if err := p.WS.Notify(userID, ev); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	body, err := json.Marshal(map[string]any{"user_id": userID, "event": ev})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
	return nil
}
