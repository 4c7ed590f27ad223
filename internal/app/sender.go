package app

import (
	"context"
	"sync"

	"relaybot/internal/bird"
	"relaybot/internal/config"
)

// templateSender binds the Bird client to the configured template so the
// dispatcher only deals in phone numbers and variables. The template can be
// swapped on config reload without touching in-flight sends.
type templateSender struct {
	client *bird.Client

	mu        sync.RWMutex
	projectID string
	locale    string
}

func newTemplateSender(client *bird.Client, cfg config.TemplateConfig) *templateSender {
	s := &templateSender{client: client}
	s.Apply(cfg)
	return s
}

func (s *templateSender) Apply(cfg config.TemplateConfig) {
	s.mu.Lock()
	s.projectID = cfg.ID
	s.locale = cfg.Locale
	s.mu.Unlock()
}

func (s *templateSender) Send(ctx context.Context, phone string, vars []string) (string, error) {
	s.mu.RLock()
	projectID, locale := s.projectID, s.locale
	s.mu.RUnlock()

	return s.client.SendTemplate(ctx, bird.TemplateMessage{
		To:        phone,
		ProjectID: projectID,
		Locale:    locale,
		Variables: vars,
	})
}
