// Package registry maintains the agent presence table: who is
// registered, what they can do, and when they last checked in. Records
// live in a key-value bucket so every instance sees the same view.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c360/streamsink/decode"
	"github.com/c360/streamsink/errors"
)

// AgentKV is the key-value slice the registry needs.
type AgentKV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Keys(ctx context.Context) ([]string, error)
}

// Agent is a registered agent as returned to callers, with
// capabilities expanded.
type Agent struct {
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type"`
	Capabilities []string `json:"capabilities"`
	LastSeenUTC  string   `json:"last_seen_utc"`
}

// storedAgent is the at-rest shape. Capabilities are kept as an
// embedded JSON string and expanded on read.
type storedAgent struct {
	AgentType    string `json:"agent_type"`
	Capabilities string `json:"capabilities"`
	LastSeenUTC  string `json:"last_seen_utc"`
}

const agentKeyPrefix = "agent."

func agentKey(agentID string) string {
	return agentKeyPrefix + agentID
}

// Registry stores and queries agent presence records.
type Registry struct {
	kv  AgentKV
	now func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan Agent
}

// New creates a registry over the given bucket.
func New(kv AgentKV) *Registry {
	return &Registry{
		kv:      kv,
		now:     time.Now,
		waiters: make(map[string][]chan Agent),
	}
}

// Register upserts an agent record, refreshing its last-seen time.
// Re-registration under the same id replaces the previous record.
func (r *Registry) Register(ctx context.Context, payload decode.RegisterPayload) error {
	caps, err := json.Marshal(payload.Capabilities)
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "Register", "encode capabilities")
	}

	record := storedAgent{
		AgentType:    payload.AgentType,
		Capabilities: string(caps),
		LastSeenUTC:  r.now().UTC().Format(time.RFC3339Nano),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "Register", "encode record")
	}

	if err := r.kv.Put(ctx, agentKey(payload.AgentID), value); err != nil {
		return errors.WrapTransient(err, "Registry", "Register",
			fmt.Sprintf("store agent %s", payload.AgentID))
	}

	r.notify(payload.AgentID, Agent{
		AgentID:      payload.AgentID,
		AgentType:    payload.AgentType,
		Capabilities: payload.Capabilities,
		LastSeenUTC:  record.LastSeenUTC,
	})
	return nil
}

// notify resolves every waiter parked on the agent id.
func (r *Registry) notify(agentID string, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.waiters[agentID] {
		ch <- agent
	}
	delete(r.waiters, agentID)
}

// addWaiter parks a buffered channel that Register resolves.
func (r *Registry) addWaiter(agentID string) chan Agent {
	ch := make(chan Agent, 1)
	r.mu.Lock()
	r.waiters[agentID] = append(r.waiters[agentID], ch)
	r.mu.Unlock()
	return ch
}

// removeWaiter discards a waiter that gave up before registration.
func (r *Registry) removeWaiter(agentID string, ch chan Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining := r.waiters[agentID][:0]
	for _, w := range r.waiters[agentID] {
		if w != ch {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(r.waiters, agentID)
	} else {
		r.waiters[agentID] = remaining
	}
}

// Get returns one agent record. The second return reports whether the
// agent is registered.
func (r *Registry) Get(ctx context.Context, agentID string) (Agent, bool, error) {
	value, found, err := r.kv.Get(ctx, agentKey(agentID))
	if err != nil {
		return Agent{}, false, errors.WrapTransient(err, "Registry", "Get",
			fmt.Sprintf("load agent %s", agentID))
	}
	if !found {
		return Agent{}, false, nil
	}

	agent, err := expand(agentID, value)
	if err != nil {
		return Agent{}, false, err
	}
	return agent, true, nil
}

// List returns all registered agents.
func (r *Registry) List(ctx context.Context) ([]Agent, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Registry", "List", "list agent keys")
	}

	agents := make([]Agent, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, agentKeyPrefix) {
			continue
		}
		agentID := strings.TrimPrefix(key, agentKeyPrefix)

		value, found, err := r.kv.Get(ctx, key)
		if err != nil {
			return nil, errors.WrapTransient(err, "Registry", "List",
				fmt.Sprintf("load agent %s", agentID))
		}
		if !found {
			// Deleted between Keys and Get.
			continue
		}

		agent, err := expand(agentID, value)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// WaitForAgent blocks until the agent appears in the registry or the
// timeout lapses. Used by orchestration that must not dispatch work to
// an agent before it has announced itself. Registration resolves the
// wait directly; there is no polling.
func (r *Registry) WaitForAgent(ctx context.Context, agentID string, timeout time.Duration) (Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := r.addWaiter(agentID)
	defer r.removeWaiter(agentID, ch)

	// The agent may already be present; the waiter is parked first so a
	// registration landing between the check and the wait is not lost.
	agent, found, err := r.Get(ctx, agentID)
	if err != nil {
		return Agent{}, err
	}
	if found {
		return agent, nil
	}

	select {
	case agent := <-ch:
		return agent, nil
	case <-ctx.Done():
		return Agent{}, errors.WrapTransient(ctx.Err(), "Registry", "WaitForAgent",
			fmt.Sprintf("wait for agent %s", agentID))
	}
}

func expand(agentID string, value []byte) (Agent, error) {
	var record storedAgent
	if err := json.Unmarshal(value, &record); err != nil {
		return Agent{}, errors.WrapInvalid(err, "Registry", "expand",
			fmt.Sprintf("decode agent %s", agentID))
	}

	agent := Agent{
		AgentID:     agentID,
		AgentType:   record.AgentType,
		LastSeenUTC: record.LastSeenUTC,
	}
	if record.Capabilities != "" {
		if err := json.Unmarshal([]byte(record.Capabilities), &agent.Capabilities); err != nil {
			return Agent{}, errors.WrapInvalid(err, "Registry", "expand",
				fmt.Sprintf("decode capabilities of %s", agentID))
		}
	}
	return agent, nil
}
