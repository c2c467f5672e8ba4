// Package registry tracks the agents and rooms the server has told us
// about. Both registries hand out copies; nothing here escapes by
// reference.
package registry

import (
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Agent is one remote agent as described by the server.
type Agent struct {
	Name         string    `json:"name"`
	Address      string    `json:"address,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// Agents is a TTL view of the agent roster. Entries lapse when the server
// stops mentioning them.
type Agents struct {
	c *gocache.Cache
}

// NewAgents creates a roster whose entries live for ttl. A non-positive ttl
// keeps entries forever.
func NewAgents(ttl time.Duration) *Agents {
	if ttl <= 0 {
		return &Agents{c: gocache.New(gocache.NoExpiration, 0)}
	}
	cleanup := ttl
	if cleanup > time.Minute {
		cleanup = time.Minute
	}
	return &Agents{c: gocache.New(ttl, cleanup)}
}

// Upsert records or refreshes one agent.
func (a *Agents) Upsert(agent Agent) {
	if agent.Name == "" {
		return
	}
	if agent.LastSeen.IsZero() {
		agent.LastSeen = time.Now().UTC()
	}
	a.c.Set(agent.Name, agent, gocache.DefaultExpiration)
}

// ReplaceAll swaps the roster for the given list.
func (a *Agents) ReplaceAll(list []Agent) {
	a.c.Flush()
	for _, agent := range list {
		a.Upsert(agent)
	}
}

// Get returns one agent by name.
func (a *Agents) Get(name string) (Agent, bool) {
	v, ok := a.c.Get(name)
	if !ok {
		return Agent{}, false
	}
	agent, ok := v.(Agent)
	return agent, ok
}

// All returns the roster sorted by name.
func (a *Agents) All() []Agent {
	items := a.c.Items()
	out := make([]Agent, 0, len(items))
	for _, item := range items {
		if agent, ok := item.Object.(Agent); ok {
			out = append(out, agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the roster size, expired entries excluded lazily by the
// underlying cache janitor.
func (a *Agents) Count() int { return a.c.ItemCount() }

// Remove drops one agent.
func (a *Agents) Remove(name string) { a.c.Delete(name) }

// Clear empties the roster.
func (a *Agents) Clear() { a.c.Flush() }

// ParseList extracts agents from the wire representation: a list of
// objects with loosely-typed fields. Unknown shapes are skipped.
func ParseList(raw []interface{}) []Agent {
	out := make([]Agent, 0, len(raw))
	now := time.Now().UTC()
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			// Bare string entries are agent names.
			if name, isStr := entry.(string); isStr && name != "" {
				out = append(out, Agent{Name: name, LastSeen: now})
			}
			continue
		}
		agent := Agent{LastSeen: now}
		if name, ok := m["name"].(string); ok {
			agent.Name = name
		} else if id, ok := m["id"].(string); ok {
			agent.Name = id
		}
		if addr, ok := m["address"].(string); ok {
			agent.Address = addr
		} else if addr, ok := m["wallet_address"].(string); ok {
			agent.Address = addr
		}
		if caps, ok := m["capabilities"].([]interface{}); ok {
			for _, c := range caps {
				if s, ok := c.(string); ok {
					agent.Capabilities = append(agent.Capabilities, s)
				}
			}
		}
		if agent.Name != "" {
			out = append(out, agent)
		}
	}
	return out
}
