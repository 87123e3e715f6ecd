package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/duet/internal/reliability"
	"github.com/ent0n29/duet/internal/session"
)

// HTTPGenerator calls an external reply service over JSON.
type HTTPGenerator struct {
	url    string
	client *http.Client
}

func NewHTTPGenerator(url string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGenerator{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	SessionID     string            `json:"session_id"`
	ParticipantID string            `json:"participant_id"`
	Recent        []session.Message `json:"recent"`
}

type generateResponse struct {
	Reply string `json:"reply"`
}

func (g *HTTPGenerator) GenerateReply(ctx context.Context, sessionID, participantID string, recent []session.Message) (string, error) {
	body, err := json.Marshal(generateRequest{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Recent:        recent,
	})
	if err != nil {
		return "", fmt.Errorf("encode reply request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url+"/v1/replies", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		return "", fmt.Errorf("reply service status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode reply response: %w", err)
	}
	return strings.TrimSpace(out.Reply), nil
}
