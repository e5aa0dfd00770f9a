package firewall

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/phayes/freeport"
)

// testServer binds the provider's fake edge API to a free port picked
// up front, mirroring the teacher's pkg/ece/testutil.go testServer
// helper: grab a port, then start a server against a fixed address
// instead of letting net/http/httptest hand one back.
func testServer(t *testing.T, handler http.Handler) (addr string, stop func()) {
	t.Helper()

	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatalf("failed to get a free port: %s", err)
	}
	addr = fmt.Sprintf("127.0.0.1:%d", port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen on %s: %s", addr, err)
	}

	server := &http.Server{Handler: handler}
	go server.Serve(ln)

	return addr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

func TestHTTPProviderBan(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bans", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		var req httpBanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %s", err)
		}
		if req.IP != "203.0.113.4" {
			t.Fatalf("expected ip 203.0.113.4, got %s", req.IP)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(httpBanResponse{ProviderBanID: "abc123"})
	})

	addr, stop := testServer(t, mux)
	defer stop()

	p := NewHTTPProvider(HTTPConfig{BaseURL: "http://" + addr, Token: "test-token", Timeout: 2 * time.Second})

	res, err := p.Ban(context.Background(), "203.0.113.4", "auto-ban: burst", nil, "high")
	if err != nil {
		t.Fatalf("Ban: %s", err)
	}
	if !res.OK || res.ProviderBanID != "abc123" {
		t.Fatalf("unexpected ban result: %+v", res)
	}
}

func TestHTTPProviderBanAlreadyBannedIsIdempotent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bans", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(httpBanResponse{AlreadyBanned: true})
	})

	addr, stop := testServer(t, mux)
	defer stop()

	p := NewHTTPProvider(HTTPConfig{BaseURL: "http://" + addr})
	res, err := p.Ban(context.Background(), "203.0.113.4", "auto-ban", nil, "high")
	if err != nil {
		t.Fatalf("Ban: %s", err)
	}
	if !res.OK {
		t.Fatalf("expected conflict to be treated as success, got %+v", res)
	}
}

func TestHTTPProviderUnbanNotFoundIsIdempotent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bans/203.0.113.4", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	})

	addr, stop := testServer(t, mux)
	defer stop()

	p := NewHTTPProvider(HTTPConfig{BaseURL: "http://" + addr})
	res, err := p.Unban(context.Background(), "203.0.113.4", "abc123")
	if err != nil {
		t.Fatalf("Unban: %s", err)
	}
	if !res.OK {
		t.Fatalf("expected 404 to be treated as success, got %+v", res)
	}
}

func TestHTTPProviderListBans(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bans", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(httpListBansResponse{
			Bans: []struct {
				IP            string     `json:"ip"`
				ProviderBanID string     `json:"provider_ban_id"`
				ExpiresAt     *time.Time `json:"expires_at"`
			}{
				{IP: "203.0.113.4", ProviderBanID: "abc123"},
			},
		})
	})

	addr, stop := testServer(t, mux)
	defer stop()

	p := NewHTTPProvider(HTTPConfig{BaseURL: "http://" + addr})
	bans, err := p.ListBans(context.Background())
	if err != nil {
		t.Fatalf("ListBans: %s", err)
	}
	if len(bans) != 1 || bans[0].IP != "203.0.113.4" {
		t.Fatalf("unexpected bans: %+v", bans)
	}
}
