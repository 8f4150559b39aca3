package webhooks

import (
	"context"
	"encoding/json"
	"log"

	"crewroute/internal/model"
	"crewroute/internal/store"
)

// Endpoint is a configured receiver, typically the CRM. Empty Events means every event.
type Endpoint struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

func (e Endpoint) wants(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, t := range e.Events {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

// Publisher queues events for every endpoint that subscribes to them. The Worker delivers.
type Publisher struct {
	Store     store.Store
	Endpoints []Endpoint
}

func NewPublisher(s store.Store, endpoints []Endpoint) *Publisher {
	return &Publisher{Store: s, Endpoints: endpoints}
}

// Publish enqueues evt. Failures are logged; event delivery never fails the caller's operation.
func (p *Publisher) Publish(ctx context.Context, evt model.Event) {
	if len(p.Endpoints) == 0 {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[WEBHOOK] marshal type=%s err=%v", evt.Type, err)
		return
	}
	for _, ep := range p.Endpoints {
		if !ep.wants(evt.Type) {
			continue
		}
		if _, err := p.Store.EnqueueWebhook(ctx, evt.Type, ep.URL, ep.Secret, body); err != nil {
			log.Printf("[WEBHOOK] enqueue type=%s url=%s err=%v", evt.Type, ep.URL, err)
		}
	}
}
