package firewall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HTTPConfig configures an HTTPProvider. Grounded on
// r3e-network-service_layer's infrastructure/globalsigner/client idiom:
// a base URL, bearer credential, and a bounded-timeout http.Client.
type HTTPConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

const (
	defaultHTTPTimeout  = 10 * time.Second
	defaultMaxBodyBytes = 1 << 20
)

// HTTPProvider implements Provider against any edge/CDN/WAF that
// exposes a ban/unban/list-bans REST surface, e.g. a self-hosted edge
// proxy's admin API. The wire shape (POST /bans, DELETE /bans/{ip},
// GET /bans) is the generic contract spec.md §4.3 asks every provider
// to expose; concrete deployments bind BaseURL to their own edge.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPProvider builds an HTTPProvider from cfg.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
	}
}

type httpBanRequest struct {
	IP        string `json:"ip"`
	Reason    string `json:"reason"`
	DurationS *int   `json:"duration_s,omitempty"`
	Severity  string `json:"severity"`
}

type httpBanResponse struct {
	ProviderBanID string `json:"provider_ban_id"`
	AlreadyBanned bool   `json:"already_banned"`
}

// Ban issues a ban through the remote API. Idempotent per spec.md
// §4.3: a 409 with already_banned=true is treated as success.
func (p *HTTPProvider) Ban(ctx context.Context, ip, reason string, durationS *int, severity string) (BanResult, error) {
	body, err := json.Marshal(httpBanRequest{IP: ip, Reason: reason, DurationS: durationS, Severity: severity})
	if err != nil {
		return BanResult{}, errors.Wrap(err, "marshaling ban request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/bans", bytes.NewReader(body))
	if err != nil {
		return BanResult{}, errors.Wrap(err, "building ban request")
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return BanResult{}, errors.Wrap(err, "sending ban request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return BanResult{}, errors.Errorf("ban %s: unexpected status %s", ip, resp.Status)
	}

	var decoded httpBanResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, defaultMaxBodyBytes)).Decode(&decoded); err != nil {
		return BanResult{}, errors.Wrap(err, "decoding ban response")
	}
	if resp.StatusCode == http.StatusConflict && !decoded.AlreadyBanned {
		return BanResult{}, errors.Errorf("ban %s: conflict without already_banned", ip)
	}

	return BanResult{OK: true, ProviderBanID: decoded.ProviderBanID, Message: "banned"}, nil
}

// Unban removes a ban through the remote API. Idempotent: a 404 is
// treated as success since the end state (not banned) is achieved.
func (p *HTTPProvider) Unban(ctx context.Context, ip, providerBanID string) (UnbanResult, error) {
	target := fmt.Sprintf("%s/bans/%s", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return UnbanResult{}, errors.Wrap(err, "building unban request")
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return UnbanResult{}, errors.Wrap(err, "sending unban request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return UnbanResult{}, errors.Errorf("unban %s: unexpected status %s", ip, resp.Status)
	}
	return UnbanResult{OK: true, Message: "unbanned"}, nil
}

type httpListBansResponse struct {
	Bans []struct {
		IP            string     `json:"ip"`
		ProviderBanID string     `json:"provider_ban_id"`
		ExpiresAt     *time.Time `json:"expires_at"`
	} `json:"bans"`
}

// ListBans retrieves the provider's current ban set.
func (p *HTTPProvider) ListBans(ctx context.Context) ([]ProviderBan, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/bans", nil)
	if err != nil {
		return nil, errors.Wrap(err, "building list-bans request")
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending list-bans request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("list bans: unexpected status %s", resp.Status)
	}

	var decoded httpListBansResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, defaultMaxBodyBytes)).Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, "decoding list-bans response")
	}

	out := make([]ProviderBan, 0, len(decoded.Bans))
	for _, b := range decoded.Bans {
		out = append(out, ProviderBan{IP: b.IP, ProviderBanID: b.ProviderBanID, ExpiresAt: b.ExpiresAt})
	}
	return out, nil
}

func (p *HTTPProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}
