package crm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

var (
	codec = jsoniter.ConfigCompatibleWithStandardLibrary

	errMissingBaseURL       = errors.New("crm base url is required")
	errMissingLeadReference = errors.New("lead reference is required")
	errMissingCallID        = errors.New("call id is required")
	ErrInvalidClientConfig  = errors.New("crm: invalid client config")
)

// Writer mirrors call outcomes onto the external CRM lead record.
type Writer interface {
	UpdateLeadStatus(ctx context.Context, leadReference, status string) error
	RecordCallSummary(ctx context.Context, leadReference string, summary CallSummary) error
}

// CallSummary is posted to the lead's activity log when a call completes.
type CallSummary struct {
	CallID   string         `json:"callId"`
	HostID   string         `json:"hostId"`
	EndedAt  time.Time      `json:"endedAt"`
	Insights calls.Insights `json:"insights"`
}

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the CRM REST API. Every response uses the {success, data|error} envelope.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

type envelope struct {
	Success bool                `json:"success"`
	Data    jsoniter.RawMessage `json:"data,omitempty"`
	Error   *envelopeError      `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is a failure reported by the CRM itself.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("crm returned status %d: %s %s", e.StatusCode, e.Code, e.Message)
}

func NewClient(cfg ClientConfig) (*Client, error) {
	rawBaseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if rawBaseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	baseURL, err := url.Parse(rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// UpdateLeadStatus writes the lead's pipeline status.
func (c *Client) UpdateLeadStatus(ctx context.Context, leadReference, status string) error {
	if strings.TrimSpace(leadReference) == "" {
		return errMissingLeadReference
	}
	payload := map[string]string{"status": status}
	return c.send(ctx, http.MethodPatch, c.leadPath(leadReference, "status"), payload)
}

// RecordCallSummary puts the compiled insights on the lead's activity log,
// keyed by call id. Repeating it for the same call replaces the entry.
func (c *Client) RecordCallSummary(ctx context.Context, leadReference string, summary CallSummary) error {
	if strings.TrimSpace(leadReference) == "" {
		return errMissingLeadReference
	}
	if strings.TrimSpace(summary.CallID) == "" {
		return errMissingCallID
	}
	return c.send(ctx, http.MethodPut, c.leadPath(leadReference, "call-summaries", summary.CallID), summary)
}

func (c *Client) leadPath(leadReference string, resource ...string) string {
	return c.baseURL.JoinPath(append([]string{"leads", leadReference}, resource...)...).String()
}

func (c *Client) send(ctx context.Context, method, target string, payload any) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("crm request failed", zap.String("method", method), zap.String("url", target), zap.Error(err))
		return err
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return err
	}

	var decoded envelope
	if len(raw) > 0 {
		if err := codec.Unmarshal(raw, &decoded); err != nil && response.StatusCode < 300 {
			return fmt.Errorf("crm response is not an envelope: %w", err)
		}
	}
	if response.StatusCode >= 300 || !decoded.Success {
		remote := &RemoteError{StatusCode: response.StatusCode}
		if decoded.Error != nil {
			remote.Code = decoded.Error.Code
			remote.Message = decoded.Error.Message
		}
		c.logger.Warn("crm rejected request",
			zap.String("method", method),
			zap.String("url", target),
			zap.Int("status", response.StatusCode),
			zap.String("code", remote.Code),
		)
		return remote
	}
	return nil
}

// Nop accepts every write. It backs deployments without a configured CRM.
type Nop struct{}

func (Nop) UpdateLeadStatus(context.Context, string, string) error { return nil }

func (Nop) RecordCallSummary(context.Context, string, CallSummary) error { return nil }
