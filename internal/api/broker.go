package api

import (
	"context"
	"sync"

	"crewroute/internal/model"
)

// TopicAll receives every event; day topics ("day:2024-06-03") receive that day's events.
const TopicAll = "all"

func DayTopic(day string) string { return "day:" + day }

type EventBroker interface {
	Subscribe(topic string) chan model.Event
	Unsubscribe(topic string, ch chan model.Event)
	Publish(topic string, evt model.Event)
}

// Broker is the in-process EventBroker used without Redis.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.Event]struct{} // topic -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan model.Event]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan model.Event {
	ch := make(chan model.Event, 16)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan model.Event]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

// Publish drops the event for subscribers whose buffer is full.
func (b *Broker) Publish(topic string, evt model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// BrokerSink feeds planner events into a broker on the global topic and the event's day topic.
type BrokerSink struct{ Broker EventBroker }

func (s BrokerSink) Publish(_ context.Context, evt model.Event) {
	s.Broker.Publish(TopicAll, evt)
	if data, ok := evt.Data.(map[string]any); ok {
		for _, k := range []string{"date", "from", "to"} {
			if day, ok := data[k].(string); ok && day != "" {
				s.Broker.Publish(DayTopic(day), evt)
			}
		}
	}
}
