// Package catalog implements the service matcher and response cycler (C3):
// given a resolved ECU and an incoming UDS request, it selects the
// matching service entry, picks the next response in its cycle, and
// computes the effective delay (ISO 13400-2 §4.3).
package catalog

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/doipgw/doipgw/internal/config"
	"github.com/doipgw/doipgw/internal/protocol"
)

// ErrNoMatch is returned when no catalog entry matches the request
// (ISO 13400-2 §4.3 step 5).
var ErrNoMatch = errors.New("catalog: no matching service")

// Match implements ISO 13400-2 §4.3 steps 1-4: render the UDS bytes as
// uppercase hex, try an exact match against every entry in declaration
// order, then a regex match, skipping entries whose supports_functional
// is false when mode is Functional.
func Match(ecu *config.ECU, uds []byte, mode protocol.AddressMode) (*config.Service, error) {
	hexForm := strings.ToUpper(hex.EncodeToString(uds))
	prefixedForm := "0x" + hexForm

	for _, svc := range ecu.Catalog {
		if svc.IsRegex {
			continue
		}
		if svc.RequestHex == hexForm || svc.RequestHex == prefixedForm {
			if ok := applyFunctionalGate(svc, mode); ok {
				return svc, nil
			}
		}
	}

	for _, svc := range ecu.Catalog {
		if !svc.IsRegex {
			continue
		}
		if svc.RequestRegex.MatchString(hexForm) || svc.RequestRegex.MatchString(prefixedForm) {
			if ok := applyFunctionalGate(svc, mode); ok {
				return svc, nil
			}
		}
	}

	return nil, ErrNoMatch
}

// applyFunctionalGate implements ISO 13400-2 §4.3 step 4: "if the address
// mode is functional and the entry's supports_functional is false, treat
// the service as non-matching for this call and continue."
func applyFunctionalGate(svc *config.Service, mode protocol.AddressMode) bool {
	if mode == protocol.Functional && !svc.SupportsFunctional {
		return false
	}
	return true
}
