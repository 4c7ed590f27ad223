// Package bird is a minimal client for the Bird.com WhatsApp messaging API.
// It sends pre-approved template messages and looks up delivery status.
package bird

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relaybot/pkg/logx"
)

const defaultBaseURL = "https://api.bird.com"

type Config struct {
	AccessKey   string
	WorkspaceID string
	ChannelID   string
	BaseURL     string
	Timeout     time.Duration
}

// APIError is a non-2xx response from Bird.com.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bird api error %d: %s", e.Status, e.Message)
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.AccessKey) == "" {
		return nil, errors.New("bird access key is empty")
	}
	if strings.TrimSpace(cfg.WorkspaceID) == "" {
		return nil, errors.New("bird workspace id is empty")
	}
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return nil, errors.New("bird channel id is empty")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}, log: log}, nil
}

// TemplateMessage addresses one recipient with positional variables that
// substitute into a pre-approved template.
type TemplateMessage struct {
	To        string // E.164 phone number
	ProjectID string // Bird template project id
	Locale    string // ISO language code, e.g. "en"
	Variables []string
}

type sendPayload struct {
	Receiver receiver `json:"receiver"`
	Template template `json:"template"`
}

type receiver struct {
	Contacts []contact `json:"contacts"`
}

type contact struct {
	IdentifierValue string `json:"identifierValue"`
	IdentifierKey   string `json:"identifierKey"`
}

type template struct {
	ProjectID string            `json:"projectId"`
	Version   string            `json:"version"`
	Locale    string            `json:"locale"`
	Variables map[string]string `json:"variables"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// MessageStatus is the delivery state of a previously sent message.
type MessageStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SendTemplate posts one template message and returns the Bird message id.
func (c *Client) SendTemplate(ctx context.Context, msg TemplateMessage) (string, error) {
	if strings.TrimSpace(msg.ProjectID) == "" {
		return "", errors.New("template project id is empty")
	}
	locale := msg.Locale
	if locale == "" {
		locale = "en"
	}
	vars := make(map[string]string, len(msg.Variables))
	for i, v := range msg.Variables {
		vars[strconv.Itoa(i)] = v
	}

	payload := sendPayload{
		Receiver: receiver{Contacts: []contact{{
			IdentifierValue: msg.To,
			IdentifierKey:   "phonenumber",
		}}},
		Template: template{
			ProjectID: msg.ProjectID,
			Version:   "latest",
			Locale:    locale,
			Variables: vars,
		},
	}

	url := fmt.Sprintf("%s/workspaces/%s/channels/%s/messages",
		c.cfg.BaseURL, c.cfg.WorkspaceID, c.cfg.ChannelID)

	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, url, payload, &resp); err != nil {
		return "", err
	}
	c.log.Debug("template message accepted",
		logx.String("to", msg.To),
		logx.String("message_id", resp.ID),
		logx.String("template", msg.ProjectID),
	)
	return resp.ID, nil
}

// MessageStatus retrieves the delivery status of a sent message.
func (c *Client) MessageStatus(ctx context.Context, messageID string) (*MessageStatus, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, errors.New("message id is empty")
	}
	url := fmt.Sprintf("%s/workspaces/%s/messages/%s",
		c.cfg.BaseURL, c.cfg.WorkspaceID, messageID)

	var st MessageStatus
	if err := c.do(ctx, http.MethodGet, url, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "AccessKey "+c.cfg.AccessKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// errorMessage extracts the "message" field from a Bird error body, falling
// back to the raw (trimmed) body.
func errorMessage(body []byte) string {
	var m struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &m); err == nil && m.Message != "" {
		return m.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
