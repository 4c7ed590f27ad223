package bird

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaybot/pkg/logx"
)

func testConfig(baseURL string) Config {
	return Config{
		AccessKey:   "test-key",
		WorkspaceID: "ws-1",
		ChannelID:   "ch-1",
		BaseURL:     baseURL,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{name: "missing access key", mod: func(c *Config) { c.AccessKey = "" }},
		{name: "missing workspace", mod: func(c *Config) { c.WorkspaceID = "" }},
		{name: "missing channel", mod: func(c *Config) { c.ChannelID = " " }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("")
			tt.mod(&cfg)
			if _, err := New(cfg, logx.Nop()); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestSendTemplate(t *testing.T) {
	t.Parallel()
	var got struct {
		Receiver struct {
			Contacts []struct {
				IdentifierValue string `json:"identifierValue"`
				IdentifierKey   string `json:"identifierKey"`
			} `json:"contacts"`
		} `json:"receiver"`
		Template struct {
			ProjectID string            `json:"projectId"`
			Version   string            `json:"version"`
			Locale    string            `json:"locale"`
			Variables map[string]string `json:"variables"`
		} `json:"template"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/workspaces/ws-1/channels/ch-1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "AccessKey test-key" {
			t.Errorf("auth = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"m-123","status":"accepted"}`))
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	id, err := c.SendTemplate(context.Background(), TemplateMessage{
		To:        "+14155552671",
		ProjectID: "tpl-1",
		Variables: []string{"John", "20OFF"},
	})
	if err != nil {
		t.Fatalf("SendTemplate error: %v", err)
	}
	if id != "m-123" {
		t.Fatalf("id = %q, want m-123", id)
	}

	if len(got.Receiver.Contacts) != 1 || got.Receiver.Contacts[0].IdentifierValue != "+14155552671" {
		t.Fatalf("receiver = %+v", got.Receiver)
	}
	if got.Receiver.Contacts[0].IdentifierKey != "phonenumber" {
		t.Fatalf("identifierKey = %q", got.Receiver.Contacts[0].IdentifierKey)
	}
	if got.Template.ProjectID != "tpl-1" || got.Template.Version != "latest" || got.Template.Locale != "en" {
		t.Fatalf("template = %+v", got.Template)
	}
	if got.Template.Variables["0"] != "John" || got.Template.Variables["1"] != "20OFF" {
		t.Fatalf("variables = %v", got.Template.Variables)
	}
}

func TestSendTemplateAPIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"template not approved"}`))
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	_, err = c.SendTemplate(context.Background(), TemplateMessage{To: "+1", ProjectID: "tpl-1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Message != "template not approved" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestSendTemplateErrorBodyFallback(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	_, err = c.SendTemplate(context.Background(), TemplateMessage{To: "+1", ProjectID: "tpl-1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Message != "upstream unavailable" {
		t.Fatalf("message = %q", apiErr.Message)
	}
}

func TestMessageStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workspaces/ws-1/messages/m-123" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"m-123","status":"delivered"}`))
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL), logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	st, err := c.MessageStatus(context.Background(), "m-123")
	if err != nil {
		t.Fatalf("MessageStatus error: %v", err)
	}
	if st.Status != "delivered" {
		t.Fatalf("status = %q, want delivered", st.Status)
	}
}
