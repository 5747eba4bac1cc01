// Package blackboard implements the scoped key-value store, append-only
// message log, and call stack that is the sole medium of inter-agent
// communication in a manager. A Blackboard is owned by exactly one
// manager; concurrent access from multiple goroutines is serialized by
// a single mutex per instance.
package blackboard

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RootScopeID names the scope created when a Blackboard is constructed.
const RootScopeID = "root"

// Message is an immutable record appended to a Blackboard's log. Once
// appended a Message is never mutated.
type Message struct {
	ID           string
	DataType     string
	SubDataType  string
	Sender       string
	Receiver     string
	Content      string
	Data         any
	AgentInput   any
	Metadata     map[string]any
	ScopeID      string
	Role         string
	EventTopic   string
	RequestID    string
	CreatedAt    time.Time
}

// CallContext records one level of the agent call stack: who called
// whom, and which scope the callee runs in.
type CallContext struct {
	CallingAgent string
	CalledAgent  string
	ScopeID      string
}

// scope is one entry in the scope stack. parent is the scope id it was
// pushed from, "" for the root scope.
type scope struct {
	id     string
	parent string
	state  map[string]any
}

func newScope(id, parent string) *scope {
	return &scope{id: id, parent: parent, state: make(map[string]any)}
}

// Blackboard is a scoped state store, message log, and call stack
// serialized behind a single mutex, per spec: readers see a consistent
// snapshot of state per operation.
type Blackboard struct {
	mu sync.Mutex

	scopes      map[string]*scope
	stack       []string // scope id stack, stack[0] == RootScopeID
	callStack   []CallContext
	global      map[string]any
	messages           []Message
	summarizeThreshold int
}

// New creates a Blackboard with a single root scope.
func New() *Blackboard {
	root := newScope(RootScopeID, "")
	return &Blackboard{
		scopes: map[string]*scope{RootScopeID: root},
		stack:  []string{RootScopeID},
		global: make(map[string]any),
	}
}

func (b *Blackboard) currentScope() *scope {
	id := b.stack[len(b.stack)-1]
	return b.scopes[id]
}

// GetCurrentScopeID returns the id of the innermost active scope.
func (b *Blackboard) GetCurrentScopeID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentScope().id
}

// GetStateValue looks up key: current scope, then ancestor scopes, then
// global, then def.
func (b *Blackboard) GetStateValue(key string, def any) any {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := b.currentScope(); s != nil; {
		if v, ok := s.state[key]; ok {
			return v
		}
		if s.parent == "" {
			break
		}
		s = b.scopes[s.parent]
	}
	if v, ok := b.global[key]; ok {
		return v
	}
	return def
}

// UpdateStateValue writes key in the current scope.
func (b *Blackboard) UpdateStateValue(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentScope().state[key] = value
}

// AppendStateValue appends value to a list held at key in the current
// scope, creating the list if absent.
func (b *Blackboard) AppendStateValue(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	appendInto(b.currentScope().state, key, value)
}

// UpdateGlobalStateValue writes key in global state.
func (b *Blackboard) UpdateGlobalStateValue(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global[key] = value
}

// AppendGlobalStateValue appends value to a list held at key in global
// state, creating the list if absent.
func (b *Blackboard) AppendGlobalStateValue(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	appendInto(b.global, key, value)
}

func appendInto(m map[string]any, key string, value any) {
	existing, ok := m[key]
	if !ok || existing == nil {
		m[key] = []any{value}
		return
	}
	list, ok := existing.([]any)
	if !ok {
		// Value present but not a list: start a fresh list rather than panic.
		m[key] = []any{value}
		return
	}
	m[key] = append(list, value)
}

// PushCallContext creates a new scope, pushes it onto the scope stack,
// and records a CallContext describing the call. scopeID must be
// unique; callers typically pass NewScopeID().
func (b *Blackboard) PushCallContext(calling, called, scopeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.scopes[scopeID]; exists {
		return fmt.Errorf("blackboard: scope id %q already exists", scopeID)
	}
	parent := b.currentScope().id
	b.scopes[scopeID] = newScope(scopeID, parent)
	b.stack = append(b.stack, scopeID)
	b.callStack = append(b.callStack, CallContext{
		CallingAgent: calling,
		CalledAgent:  called,
		ScopeID:      scopeID,
	})
	return nil
}

// PopCallContext pops the top CallContext and removes its scope,
// returning to the parent scope. It is a programming error to call
// this at the root scope.
func (b *Blackboard) PopCallContext() (CallContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.callStack) == 0 {
		return CallContext{}, fmt.Errorf("blackboard: pop_call_context at root scope")
	}
	top := b.callStack[len(b.callStack)-1]
	b.callStack = b.callStack[:len(b.callStack)-1]

	poppedID := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	delete(b.scopes, poppedID)

	return top, nil
}

// GetCurrentCallContext peeks the top CallContext without popping. It
// returns false if the stack is empty (we are at the root scope).
func (b *Blackboard) GetCurrentCallContext() (CallContext, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.callStack) == 0 {
		return CallContext{}, false
	}
	return b.callStack[len(b.callStack)-1], true
}

// AddMsg appends msg to the log, stamping it with the current scope and
// assigning an id/timestamp if unset.
func (b *Blackboard) AddMsg(msg Message) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.ScopeID = b.currentScope().id
	b.messages = append(b.messages, msg)
	return msg
}

// GetMessagesForScope returns, in append order, the messages tagged
// with scopeID.
func (b *Blackboard) GetMessagesForScope(scopeID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.messages {
		if m.ScopeID == scopeID {
			out = append(out, m)
		}
	}
	return out
}

// NewScopeID returns a fresh unique scope id in the "scope_<uuid>" form
// expected by push_call_context callers.
func NewScopeID() string {
	return "scope_" + uuid.NewString()
}
