// Package config implements the configuration loader (C2): it resolves a
// gateway document, its referenced ECU documents and their service
// catalog documents into a fully validated, immutable Gateway.
package config

import "regexp"

// Gateway is the fully resolved, immutable gateway description
// (ISO 13400-2 §3). It is safe for concurrent read access once Load returns.
type Gateway struct {
	Name            string
	Description     string
	Host            string
	Port            int
	MaxConnections  int
	IdleTimeoutSec  int
	ProtocolVersion byte
	InverseVersion  byte
	VIN             string
	EID             [6]byte
	GID             [6]byte
	LogicalAddress  uint16

	// PowerModeCycle is the Diagnostic Power Mode Request status sequence
	// (ISO 13400-2 §4.5): one status byte per cycle step, advanced the same
	// way a service's response cycle advances. Defaults to a single 0x01
	// ("ready") entry when the gateway document omits power_mode.
	PowerModeCycle []Response

	// ECUs is ordered by declaration (ISO 13400-2 §4.4 "ECU declaration order"
	// governs functional fanout order and must be preserved).
	ECUs []*ECU

	// byTarget and byFunctional are read-only indexes built once at load
	// time; addressing (C4) consults them without any locking.
	byTarget     map[uint16]*ECU
	byFunctional map[uint16][]*ECU
}

// ECU is a single virtual responder (ISO 13400-2 §3).
type ECU struct {
	Name              string
	Description       string
	TargetAddress     uint16
	FunctionalAddress uint16 // meaningful only when HasFunctional is true
	HasFunctional     bool
	TesterAddresses   map[uint16]bool

	// Catalog is ordered by declaration within the ECU's effective
	// service list (common_services then specific_services, each in the
	// order they were listed) so C3's exact/regex passes iterate
	// deterministically.
	Catalog []*Service
}

// AllowsTester reports whether source is an allowed tester address for
// this ECU (ISO 13400-2 §4.4 ACL).
func (e *ECU) AllowsTester(source uint16) bool {
	return e.TesterAddresses[source]
}

// Response is one entry in a service's response cycle (ISO 13400-2 §3).
// DelayMS is a pointer so an explicit "delay_ms: 0" can be told apart from
// no delay_ms key at all: an explicit value (0 included) takes priority
// over svc.delay_ms, while a missing key falls back to it.
type Response struct {
	Bytes   []byte
	DelayMS *int
}

// Service is a single catalog entry (ISO 13400-2 §3).
type Service struct {
	Name                string
	RequestHex          string         // normalised uppercase hex, no 0x prefix, empty if regex
	RequestRegex        *regexp.Regexp // compiled, nil if exact
	IsRegex             bool
	SupportsFunctional  bool
	NoResponse          bool
	DefaultDelayMS      int
	Responses           []Response
}

// EffectiveDelay returns the delay (ms) that should elapse before the
// response at index is emitted (ISO 13400-2 §4.3): "response.delay_ms if
// present, else svc.delay_ms if present, else 0." A present response-level
// delay_ms wins even when it is 0.
func (s *Service) EffectiveDelay(index int) int {
	if index >= 0 && index < len(s.Responses) && s.Responses[index].DelayMS != nil {
		return *s.Responses[index].DelayMS
	}
	return s.DefaultDelayMS
}

// Lookup returns the ECU with the given physical target address, if any.
func (g *Gateway) Lookup(target uint16) (*ECU, bool) {
	e, ok := g.byTarget[target]
	return e, ok
}

// LookupFunctional returns every ECU declaring the given functional
// address, in declaration order.
func (g *Gateway) LookupFunctional(functional uint16) []*ECU {
	return g.byFunctional[functional]
}
