package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openumbra/umbra-bridge/internal/domain/bridge"
)

// APIClient talks to the relay's bridge config REST API. All responses share
// the {ok, data, error} shape.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient builds a client for the relay REST API. A nil http.Client
// gets a 10s-timeout default.
func NewAPIClient(baseURL string, client *http.Client) *APIClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIClient{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), client: client}
}

type apiEnvelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RegisterBridgeRequest is the POST /api/bridge/register body.
type RegisterBridgeRequest struct {
	CommunityID string           `json:"communityId"`
	GuildID     string           `json:"guildId"`
	Channels    []bridge.Channel `json:"channels"`
	Seats       []bridge.Seat    `json:"seats"`
	MemberDIDs  []string         `json:"memberDids"`
	BridgeDID   string           `json:"bridgeDid,omitempty"`
}

// ListBridges fetches summaries of every registered bridge config.
func (a *APIClient) ListBridges(ctx context.Context) ([]bridge.ConfigSummary, error) {
	var out []bridge.ConfigSummary
	if err := a.do(ctx, http.MethodGet, "/api/bridge/list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBridge fetches the full config for one community.
func (a *APIClient) GetBridge(ctx context.Context, communityID string) (*bridge.Config, error) {
	var out bridge.Config
	if err := a.do(ctx, http.MethodGet, "/api/bridge/"+url.PathEscape(communityID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterBridge creates or overwrites a bridge config.
func (a *APIClient) RegisterBridge(ctx context.Context, req RegisterBridgeRequest) (*bridge.Config, error) {
	var out bridge.Config
	if err := a.do(ctx, http.MethodPost, "/api/bridge/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateMembers replaces the fan-out member list for one bridge.
func (a *APIClient) UpdateMembers(ctx context.Context, communityID string, memberDIDs []string) (*bridge.Config, error) {
	body := struct {
		MemberDIDs []string `json:"memberDids"`
	}{MemberDIDs: memberDIDs}
	var out bridge.Config
	if err := a.do(ctx, http.MethodPut, "/api/bridge/"+url.PathEscape(communityID)+"/members", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("relay api %s %s: read body: %w", method, path, err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("relay api %s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if !env.OK {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("relay api %s %s: %s", method, path, msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("relay api %s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}
