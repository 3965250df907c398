package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/RichardoC/ollamachat/internal/metrics"
	"go.uber.org/zap"
)

// ClientConfig holds the timeouts of the model-server client. An open
// stream never times out; only dialing it does.
type ClientConfig struct {
	// ChatTimeout bounds a non-streaming chat request (default: 30s).
	ChatTimeout time.Duration

	// ProbeTimeout bounds model listing and reachability checks (default: 5s).
	ProbeTimeout time.Duration

	// DialTimeout bounds establishing the streaming connection (default: 5s).
	DialTimeout time.Duration
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		ChatTimeout:  30 * time.Second,
		ProbeTimeout: 5 * time.Second,
		DialTimeout:  5 * time.Second,
	}
}

// Client is stateless with respect to the server: every call names the base
// URL it targets, since the user may change it between requests.
type Client struct {
	chatClient   *http.Client
	probeClient  *http.Client
	streamClient *http.Client
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

func NewClient(cfg ClientConfig, logger *zap.Logger, m *metrics.Metrics) *Client {
	defaults := DefaultConfig()
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = defaults.ChatTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext

	return &Client{
		chatClient:   &http.Client{Timeout: cfg.ChatTimeout},
		probeClient:  &http.Client{Timeout: cfg.ProbeTimeout},
		streamClient: &http.Client{Transport: transport},
		logger:       logger,
		metrics:      m,
	}
}

// NormalizeURL strips trailing slashes so endpoint paths can be appended.
func NormalizeURL(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// Chat sends a non-streaming chat request and returns the resolved message.
func (c *Client) Chat(ctx context.Context, baseURL string, req ChatRequest) (string, error) {
	baseURL = NormalizeURL(baseURL)
	req.Stream = false

	resp, err := c.post(ctx, c.chatClient, baseURL, req)
	if err != nil {
		c.metrics.ModelRequest("chat", "error")
		return "", err
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.metrics.ModelRequest("chat", "error")
		return "", malformed(baseURL, err)
	}
	if result.Message == nil {
		c.metrics.ModelRequest("chat", "error")
		return "", malformed(baseURL, nil)
	}

	c.metrics.ModelRequest("chat", "ok")
	return result.Message.Content, nil
}

// ChatStream sends a streaming chat request and hands back the raw response
// body. The caller owns the body and must close it; canceling ctx aborts the
// transfer.
func (c *Client) ChatStream(ctx context.Context, baseURL string, req ChatRequest) (io.ReadCloser, error) {
	baseURL = NormalizeURL(baseURL)
	req.Stream = true

	resp, err := c.post(ctx, c.streamClient, baseURL, req)
	if err != nil {
		c.metrics.ModelRequest("chat_stream", "error")
		return nil, err
	}

	c.metrics.ModelRequest("chat_stream", "ok")
	return resp.Body, nil
}

// ListModels returns the models installed on the server.
func (c *Client) ListModels(ctx context.Context, baseURL string) ([]ModelInfo, error) {
	baseURL = NormalizeURL(baseURL)

	resp, err := c.get(ctx, baseURL+"/api/tags", baseURL)
	if err != nil {
		c.metrics.ModelRequest("tags", "error")
		return nil, err
	}
	defer resp.Body.Close()

	var result listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.metrics.ModelRequest("tags", "error")
		return nil, malformed(baseURL, err)
	}
	if result.Models == nil {
		c.metrics.ModelRequest("tags", "error")
		return nil, &ClientError{Kind: KindMalformedResponse, URL: baseURL, Message: "Unexpected response format"}
	}

	c.metrics.ModelRequest("tags", "ok")
	return *result.Models, nil
}

// FetchModels wraps ListModels into a result that never fails.
func (c *Client) FetchModels(ctx context.Context, baseURL string) ModelsResult {
	models, err := c.ListModels(ctx, baseURL)
	if err != nil {
		c.logger.Warn("Fetch models failed", zap.String("url", baseURL), zap.Error(err))
		switch {
		case IsServerUnreachable(err):
			return ModelsResult{Error: "Cannot connect to Ollama"}
		case IsMalformedResponse(err):
			return ModelsResult{Error: "Unexpected response format"}
		default:
			return ModelsResult{Error: err.Error()}
		}
	}

	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	return ModelsResult{Success: true, Models: names}
}

// CheckReachable probes /api/tags and reports whether the server answered.
func (c *Client) CheckReachable(ctx context.Context, baseURL string) ReachabilityResult {
	baseURL = NormalizeURL(baseURL)

	resp, err := c.get(ctx, baseURL+"/api/tags", baseURL)
	if err != nil {
		c.metrics.ModelRequest("health", "error")
		c.logger.Warn("Connection test failed", zap.String("url", baseURL), zap.Error(err))
		if IsServerUnreachable(err) {
			return ReachabilityResult{Message: fmt.Sprintf("Cannot connect to %s. Is Ollama running?", baseURL)}
		}
		return ReachabilityResult{Message: "Connection failed: " + err.Error()}
	}
	drainAndClose(resp.Body)

	c.metrics.ModelRequest("health", "ok")
	return ReachabilityResult{Success: true, Message: "Connected successfully!"}
}

func (c *Client) post(ctx context.Context, hc *http.Client, baseURL string, req ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ClientError{Kind: KindRequest, URL: baseURL, Message: "failed to marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Kind: KindRequest, URL: baseURL, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(hc, httpReq, baseURL)
}

func (c *Client) get(ctx context.Context, endpoint, baseURL string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ClientError{Kind: KindRequest, URL: baseURL, Message: "failed to create request", Cause: err}
	}
	return c.do(c.probeClient, httpReq, baseURL)
}

func (c *Client) do(hc *http.Client, req *http.Request, baseURL string) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, Classify(err, baseURL)
	}

	if resp.StatusCode != http.StatusOK {
		defer drainAndClose(resp.Body)
		var serverErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&serverErr); err == nil && serverErr.Error != "" {
			return nil, &ClientError{Kind: KindRequest, URL: baseURL, Message: serverErr.Error}
		}
		return nil, &ClientError{Kind: KindRequest, URL: baseURL, Message: "unexpected status from Ollama: " + resp.Status}
	}

	return resp, nil
}

func malformed(baseURL string, cause error) *ClientError {
	return &ClientError{
		Kind:    KindMalformedResponse,
		URL:     baseURL,
		Message: "Error: Unexpected response format from Ollama.",
		Cause:   cause,
	}
}

func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}
