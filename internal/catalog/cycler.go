package catalog

import (
	"sync"

	"github.com/doipgw/doipgw/internal/config"
)

// GatewayPseudoTarget is the cycle-state target address used for
// gateway-scoped cycles that are not tied to any ECU, such as the UDP
// diagnostic power mode responder (ISO 13400-2 §4.5: "This reuses the C3
// cycler with a synthetic (gateway, 'power_mode') key"). 0xFFFF is
// reserved for functional/broadcast addressing in ISO 13400-2 and is
// never assigned to a real ECU, so it cannot collide with a genuine
// target address.
const GatewayPseudoTarget uint16 = 0xFFFF

type cycleKey struct {
	target  uint16
	service string
}

// Cycler owns the process-wide, mutable (target, service) -> next-index
// map described in ISO 13400-2 §3 "Cycle state" and §9. A single Cycler is
// shared by every concurrent TCP session and the UDP responder; all
// updates are serialised by mu so two sessions hitting the same key
// observe a consistent monotone rotation (ISO 13400-2 §4.6 "Concurrency").
type Cycler struct {
	mu    sync.Mutex
	state map[cycleKey]int
}

// NewCycler returns an empty Cycler.
func NewCycler() *Cycler {
	return &Cycler{state: make(map[cycleKey]int)}
}

// Selection is the result of advancing a service's cycle.
type Selection struct {
	Response      config.Response
	ResponseIndex int
	NoBody        bool
}

// Next implements ISO 13400-2 §4.3 "Cycling": read next_index (0 if absent),
// select responses[next_index], write back (next_index+1) mod len. If
// svc.NoResponse is true it returns NoBody=true without touching the
// cycle state.
func (c *Cycler) Next(target uint16, svc *config.Service) Selection {
	if svc.NoResponse {
		return Selection{NoBody: true}
	}

	key := cycleKey{target: target, service: svc.Name}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.state[key]
	if idx >= len(svc.Responses) {
		idx = 0
	}
	c.state[key] = (idx + 1) % len(svc.Responses)

	return Selection{Response: svc.Responses[idx], ResponseIndex: idx}
}

// ResetAll clears every cycle-state entry.
func (c *Cycler) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = make(map[cycleKey]int)
}

// ResetECU clears every entry for the given target address.
func (c *Cycler) ResetECU(target uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.state {
		if k.target == target {
			delete(c.state, k)
		}
	}
}

// ResetService clears every entry for the given service name across all
// ECUs.
func (c *Cycler) ResetService(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.state {
		if k.service == service {
			delete(c.state, k)
		}
	}
}

// ResetPair clears the single entry for (target, service), if any.
func (c *Cycler) ResetPair(target uint16, service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, cycleKey{target: target, service: service})
}
