package eventbus

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestServeHTTPStreamsMatchingTopicOnly(t *testing.T) {
	b := New()
	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"?topic="+TopicBanCreated, nil)
	if err != nil {
		t.Fatalf("NewRequest: %s", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %s", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected the SSE handler to register a subscriber, got %d", b.SubscriberCount())
	}

	b.Publish(TopicWAFEvent, map[string]string{"ip": "203.0.113.1"})
	b.Publish(TopicBanCreated, map[string]string{"ip": "203.0.113.2"})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for i := 0; i < 2; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString: %s", err)
		}
		lines = append(lines, line)
	}
	joined := strings.Join(lines, "")
	if !strings.Contains(joined, "event: "+TopicBanCreated) {
		t.Fatalf("expected a ban_created frame, got %q", joined)
	}
	if strings.Contains(joined, "event: "+TopicWAFEvent) {
		t.Fatalf("expected the waf_event to be filtered out, got %q", joined)
	}
}
