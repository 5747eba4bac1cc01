// Package eventhub is the publish/subscribe progress-fact channel
// agents and control nodes use to report status to observers (a UI,
// metrics) without coupling the runtime to any particular transport.
package eventhub

import "github.com/agentmesh/conductor/pkg/blackboard"

// Hub publishes progress facts and tracks which agents are currently
// running a turn. It satisfies control.EventPublisher via Publish.
type Hub interface {
	Publish(msg blackboard.Message)
	SetAgentStatus(agentName string, busy bool)
	Subscribe() <-chan blackboard.Message
}

// InMemoryHub is a minimal fan-out hub suitable for a single-process
// manager and for tests; it never blocks a publisher on a slow
// subscriber.
type InMemoryHub struct {
	subscribers []chan blackboard.Message
	status      map[string]bool
}

func NewInMemoryHub() *InMemoryHub {
	return &InMemoryHub{status: make(map[string]bool)}
}

func (h *InMemoryHub) Publish(msg blackboard.Message) {
	for _, ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *InMemoryHub) SetAgentStatus(agentName string, busy bool) {
	h.status[agentName] = busy
}

func (h *InMemoryHub) IsBusy(agentName string) bool {
	return h.status[agentName]
}

func (h *InMemoryHub) Subscribe() <-chan blackboard.Message {
	ch := make(chan blackboard.Message, 32)
	h.subscribers = append(h.subscribers, ch)
	return ch
}
