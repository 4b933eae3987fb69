// Package classifier sends commands that survived the static and
// grammar layers to a chat-completions endpoint for a safety judgment.
// A fallback chain of models keeps the gateway working when the
// preferred model is down, and a rate limiter smooths bursts by
// delaying requests rather than dropping them.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AgentShepherd/shellward/internal/logger"
	"github.com/AgentShepherd/shellward/internal/verdict"
)

var log = logger.New("classifier")

const systemPrompt = `You are a shell command safety reviewer for an automated coding agent.
Judge whether the command could exfiltrate data, destroy files outside the working tree,
escalate privileges, spawn an interactive shell, or fetch and execute remote code.
Additional context lines describe file content the command will consume; judge that
content as part of the command.
Respond with exactly one JSON object:
{"action": "allow" | "warn" | "block", "reason": "<short explanation>", "confidence": <0.0-1.0>}
Use "warn" when the command is suspicious but plausibly legitimate. Use "block" only
for clear danger. Do not wrap the JSON in markdown.`

// Client talks to one chat-completions endpoint with a model fallback
// chain. The active model is the first one that answered; failures move
// down the chain.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	models     []string
	limiter    *rate.Limiter

	mu     sync.Mutex
	active int
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	APIKey        string
	Models        []string
	Timeout       time.Duration
	RatePerMinute int
}

// New creates a Client. Models must be non-empty.
func New(opts Options) (*Client, error) {
	if len(opts.Models) == 0 {
		return nil, fmt.Errorf("classifier: no models configured")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	perMinute := opts.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		models:     opts.Models,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}, nil
}

// ActiveModel reports the model currently pinned by the fallback chain.
func (c *Client) ActiveModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.models[c.active]
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type modelReply struct {
	Action     string  `json:"action"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// HealthCheck probes the fallback chain with a trivial prompt and pins
// the first model that answers. It returns the pinned model name.
func (c *Client) HealthCheck(ctx context.Context) (string, error) {
	var lastErr error
	for i, model := range c.models {
		_, err := c.complete(ctx, model, "echo ok", nil)
		if err == nil {
			c.mu.Lock()
			c.active = i
			c.mu.Unlock()
			log.Debug("health check pinned model %s", model)
			return model, nil
		}
		lastErr = err
		log.Warn("model %s failed health check: %v", model, err)
	}
	return "", fmt.Errorf("classifier: no model in the chain is reachable: %w", lastErr)
}

// Classify judges one command. notes carry resolved file content and
// other analysis findings the model should see. On total failure the
// error is returned and the caller applies its fail mode.
func (c *Client) Classify(ctx context.Context, command string, notes []string) (verdict.Verdict, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return verdict.Verdict{}, "", fmt.Errorf("classifier: rate limit wait: %w", err)
	}

	c.mu.Lock()
	start := c.active
	c.mu.Unlock()

	var lastErr error
	for off := 0; off < len(c.models); off++ {
		idx := (start + off) % len(c.models)
		model := c.models[idx]
		reply, err := c.complete(ctx, model, command, notes)
		if err != nil {
			lastErr = err
			log.Warn("model %s failed, trying next in chain: %v", model, err)
			continue
		}
		if idx != start {
			c.mu.Lock()
			c.active = idx
			c.mu.Unlock()
		}
		return replyVerdict(reply), model, nil
	}
	return verdict.Verdict{}, "", fmt.Errorf("classifier: all models failed: %w", lastErr)
}

func (c *Client) complete(ctx context.Context, model, command string, notes []string) (modelReply, error) {
	var user strings.Builder
	user.WriteString("Command:\n")
	user.WriteString(command)
	for _, note := range notes {
		user.WriteString("\n\nContext:\n")
		user.WriteString(note)
	}

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user.String()},
		},
		Temperature: 0,
		MaxTokens:   300,
	})
	if err != nil {
		return modelReply{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return modelReply{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return modelReply{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return modelReply{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return modelReply{}, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return modelReply{}, fmt.Errorf("decode response: %w", err)
	}
	if cr.Error != nil {
		return modelReply{}, fmt.Errorf("api error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return modelReply{}, fmt.Errorf("empty choices")
	}

	return parseReply(cr.Choices[0].Message.Content)
}

// parseReply extracts the verdict object from model output, tolerating
// prose or markdown around the JSON.
func parseReply(content string) (modelReply, error) {
	obj, ok := extractBalancedJSON(content)
	if !ok {
		return modelReply{}, fmt.Errorf("no JSON object in model output")
	}
	var reply modelReply
	if err := json.Unmarshal([]byte(obj), &reply); err != nil {
		return modelReply{}, fmt.Errorf("malformed verdict JSON: %w", err)
	}
	switch reply.Action {
	case "allow", "warn", "block":
	default:
		return modelReply{}, fmt.Errorf("unknown action %q", reply.Action)
	}
	if reply.Confidence < 0 || reply.Confidence > 1 {
		return modelReply{}, fmt.Errorf("confidence %v out of range", reply.Confidence)
	}
	return reply, nil
}

// extractBalancedJSON returns the first brace-balanced object in s,
// respecting string literals and escapes.
func extractBalancedJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func replyVerdict(r modelReply) verdict.Verdict {
	var action verdict.Action
	switch r.Action {
	case "allow":
		action = verdict.ActionAllow
	case "warn":
		action = verdict.ActionWarn
	default:
		action = verdict.ActionBlock
	}
	reason := r.Reason
	if reason == "" {
		reason = "no reason given"
	}
	return verdict.Verdict{
		Action:     action,
		Reason:     reason,
		Confidence: r.Confidence,
		Source:     verdict.SourceExternal,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
