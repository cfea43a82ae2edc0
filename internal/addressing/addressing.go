// Package addressing implements target resolution and ACL enforcement
// (C4): mapping a (target, source) pair to the ECUs that should answer,
// and filtering that set by each ECU's allowed tester addresses
// (ISO 13400-2 §4.4).
package addressing

import (
	"github.com/doipgw/doipgw/internal/config"
	"github.com/doipgw/doipgw/internal/protocol"
)

// Target is one ECU resolved to answer a request, paired with the
// addressing mode under which it was resolved.
type Target struct {
	ECU  *config.ECU
	Mode protocol.AddressMode
}

// Resolve implements ISO 13400-2 §4.4: return the physical ECU for an exact
// target-address match, or every ECU sharing a functional address, in
// declaration order. An empty result means no ECU answers; the session
// engine replies with a Diagnostic NACK 0x03 "unknown target address".
func Resolve(gw *config.Gateway, target uint16) []Target {
	if ecu, ok := gw.Lookup(target); ok {
		return []Target{{ECU: ecu, Mode: protocol.Physical}}
	}

	if ecus := gw.LookupFunctional(target); len(ecus) > 0 {
		targets := make([]Target, 0, len(ecus))
		for _, ecu := range ecus {
			targets = append(targets, Target{ECU: ecu, Mode: protocol.Functional})
		}
		return targets
	}

	return nil
}

// FilterAllowed partitions targets by each ECU's tester ACL
// (ISO 13400-2 §4.4: "ECUs that reject S are silently skipped"). The returned
// slice preserves the input order.
func FilterAllowed(targets []Target, source uint16) []Target {
	allowed := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.ECU.AllowsTester(source) {
			allowed = append(allowed, t)
		}
	}
	return allowed
}
