package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AgentShepherd/shellward/internal/verdict"
)

func replyServer(t *testing.T, handler func(req chatRequest) (int, string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		status, content := handler(req)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := chatResponse{}
		resp.Choices = append(resp.Choices, struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{})
		resp.Choices[0].Message.Content = content
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClient(t *testing.T, url string, models ...string) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:       url,
		Models:        models,
		Timeout:       5 * time.Second,
		RatePerMinute: 6000,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClassifyParsesVerdict(t *testing.T) {
	srv := replyServer(t, func(req chatRequest) (int, string) {
		return http.StatusOK, `{"action": "warn", "reason": "writes outside cwd", "confidence": 0.8}`
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, "m1")
	v, model, err := c.Classify(context.Background(), "rm -rf build/", nil)
	if err != nil {
		t.Fatal(err)
	}
	if model != "m1" {
		t.Errorf("model = %q", model)
	}
	if v.Action != verdict.ActionWarn || v.Confidence != 0.8 || v.Source != verdict.SourceExternal {
		t.Errorf("verdict = %+v", v)
	}
}

func TestClassifyToleratesMarkdownWrapping(t *testing.T) {
	srv := replyServer(t, func(req chatRequest) (int, string) {
		return http.StatusOK, "Here is my judgment:\n```json\n{\"action\": \"allow\", \"reason\": \"listing {files}\", \"confidence\": 0.95}\n```"
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, "m1")
	v, _, err := c.Classify(context.Background(), "ls", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.Action != verdict.ActionAllow || v.Reason != "listing {files}" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestClassifyRejectsBadReplies(t *testing.T) {
	replies := []string{
		`no json here`,
		`{"action": "maybe", "reason": "x", "confidence": 0.5}`,
		`{"action": "allow", "reason": "x", "confidence": 1.5}`,
	}
	idx := 0
	srv := replyServer(t, func(req chatRequest) (int, string) {
		r := replies[idx%len(replies)]
		idx++
		return http.StatusOK, r
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, "m1")
	for range replies {
		if _, _, err := c.Classify(context.Background(), "ls", nil); err == nil {
			t.Error("bad reply should surface an error")
		}
	}
}

func TestFallbackChain(t *testing.T) {
	var calls atomic.Int64
	srv := replyServer(t, func(req chatRequest) (int, string) {
		calls.Add(1)
		if req.Model == "down" {
			return http.StatusInternalServerError, ""
		}
		return http.StatusOK, `{"action": "allow", "reason": "ok", "confidence": 0.9}`
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, "down", "up")
	v, model, err := c.Classify(context.Background(), "ls", nil)
	if err != nil {
		t.Fatal(err)
	}
	if model != "up" || v.Action != verdict.ActionAllow {
		t.Errorf("model = %q, verdict = %+v", model, v)
	}
	if c.ActiveModel() != "up" {
		t.Errorf("active model = %q, want pinned fallback", c.ActiveModel())
	}

	// The next call starts at the pinned model. Exactly one more request.
	before := calls.Load()
	if _, _, err := c.Classify(context.Background(), "ls", nil); err != nil {
		t.Fatal(err)
	}
	if calls.Load()-before != 1 {
		t.Errorf("pinned model retry count = %d, want 1", calls.Load()-before)
	}
}

func TestAllModelsFailing(t *testing.T) {
	srv := replyServer(t, func(req chatRequest) (int, string) {
		return http.StatusServiceUnavailable, ""
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, "a", "b")
	if _, _, err := c.Classify(context.Background(), "ls", nil); err == nil {
		t.Fatal("expected error when every model fails")
	}
}

func TestHealthCheckPinsFirstWorkingModel(t *testing.T) {
	srv := replyServer(t, func(req chatRequest) (int, string) {
		if req.Model == "broken" {
			return http.StatusBadGateway, ""
		}
		return http.StatusOK, `{"action": "allow", "reason": "ok", "confidence": 1}`
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, "broken", "good")
	model, err := c.HealthCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if model != "good" || c.ActiveModel() != "good" {
		t.Errorf("pinned = %q / %q, want good", model, c.ActiveModel())
	}
}

func TestExtractBalancedJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{`text {"a":{"b":2}} tail`, `{"a":{"b":2}}`, true},
		{`{"s":"brace } in string"}`, `{"s":"brace } in string"}`, true},
		{`{"s":"esc \" {"}`, `{"s":"esc \" {"}`, true},
		{`{"unterminated":`, "", false},
		{`no braces`, "", false},
	}
	for _, tt := range tests {
		got, ok := extractBalancedJSON(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("extractBalancedJSON(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
