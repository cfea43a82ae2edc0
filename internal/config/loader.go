package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/doipgw/doipgw/internal/xerrors"
)

// Load resolves the gateway document at path and every ECU/service-catalog
// document it references into a fully validated Gateway (ISO 13400-2 §4.2).
//
// logger receives WARN-level lines for two non-fatal conditions: catalog
// key overrides (step 3) and a no_response service carrying a non-empty
// responses list (ISO 13400-2 §3 invariant).
func Load(path string, logger zerolog.Logger) (*Gateway, error) {
	dir := filepath.Dir(path)

	var doc gatewayDoc
	if err := readYAML(path, &doc); err != nil {
		return nil, err
	}

	version, err := parseHexByte(doc.Protocol.Version, path, "protocol.version")
	if err != nil {
		return nil, err
	}
	inverse, err := parseHexByte(doc.Protocol.InverseVersion, path, "protocol.inverse_version")
	if err != nil {
		return nil, err
	}
	if inverse != version^0xFF {
		return nil, &xerrors.ConfigError{
			Code: xerrors.ConfigSchemaError, File: path, Key: "protocol.inverse_version",
			Err: fmt.Errorf("inverse_version must equal version XOR 0xFF"),
		}
	}

	vin := doc.Vehicle.VIN
	if len(vin) != 17 {
		return nil, &xerrors.ConfigError{
			Code: xerrors.ConfigSchemaError, File: path, Key: "vehicle.vin",
			Err: fmt.Errorf("VIN must be exactly 17 ASCII bytes, got %d", len(vin)),
		}
	}
	eid, err := parseHexFixed(doc.Vehicle.EID, 6, path, "vehicle.eid")
	if err != nil {
		return nil, err
	}
	gid, err := parseHexFixed(doc.Vehicle.GID, 6, path, "vehicle.gid")
	if err != nil {
		return nil, err
	}
	logicalAddr, err := parseHexU16(doc.Vehicle.LogicalAddress, path, "vehicle.logical_address")
	if err != nil {
		return nil, err
	}

	powerModeCycle := defaultPowerModeCycle
	if len(doc.PowerMode) > 0 {
		powerModeCycle, err = normalizeResponses(doc.PowerMode, path, "power_mode")
		if err != nil {
			return nil, err
		}
	}

	if len(doc.ECUs) == 0 {
		return nil, &xerrors.ConfigError{
			Code: xerrors.ConfigSchemaError, File: path, Key: "ecus",
			Err: fmt.Errorf("gateway must reference at least one ECU document"),
		}
	}

	gw := &Gateway{
		Name:            doc.Name,
		Description:     doc.Description,
		Host:            doc.Network.Host,
		Port:            doc.Network.Port,
		MaxConnections:  doc.Network.MaxConnections,
		IdleTimeoutSec:  doc.Network.TimeoutSeconds,
		ProtocolVersion: version,
		InverseVersion:  inverse,
		VIN:             vin,
		EID:             eid,
		GID:             gid,
		LogicalAddress:  logicalAddr,
		PowerModeCycle:  powerModeCycle,
		byTarget:        make(map[uint16]*ECU),
		byFunctional:    make(map[uint16][]*ECU),
	}

	for _, ref := range doc.ECUs {
		ecuPath := filepath.Join(dir, ref)
		ecu, err := loadECU(ecuPath, logger)
		if err != nil {
			return nil, err
		}

		if _, dup := gw.byTarget[ecu.TargetAddress]; dup {
			return nil, &xerrors.ConfigError{
				Code: xerrors.ConfigDuplicateTarget, File: ecuPath,
				Key: "target_address",
				Err: fmt.Errorf("target address 0x%04X already used by another ECU", ecu.TargetAddress),
			}
		}

		gw.ECUs = append(gw.ECUs, ecu)
		gw.byTarget[ecu.TargetAddress] = ecu
		if ecu.HasFunctional {
			gw.byFunctional[ecu.FunctionalAddress] = append(gw.byFunctional[ecu.FunctionalAddress], ecu)
		}
	}

	totalServices := 0
	for _, e := range gw.ECUs {
		totalServices += len(e.Catalog)
	}
	logger.Info().
		Int("ecus", len(gw.ECUs)).
		Int("services", totalServices).
		Str("gateway", gw.Name).
		Msg("configuration loaded")
	for _, e := range gw.ECUs {
		logger.Debug().
			Str("ecu", e.Name).
			Str("target", fmt.Sprintf("0x%04X", e.TargetAddress)).
			Int("services", len(e.Catalog)).
			Msg("ecu loaded")
	}

	return gw, nil
}

func loadECU(path string, logger zerolog.Logger) (*ECU, error) {
	dir := filepath.Dir(path)

	var doc ecuDoc
	if err := readYAML(path, &doc); err != nil {
		return nil, err
	}

	target, err := parseHexU16(doc.TargetAddress, path, "target_address")
	if err != nil {
		return nil, err
	}

	ecu := &ECU{
		Name:            doc.Name,
		Description:     doc.Description,
		TargetAddress:   target,
		TesterAddresses: make(map[uint16]bool),
	}

	if strings.TrimSpace(doc.FunctionalAddress) != "" {
		fa, err := parseHexU16(doc.FunctionalAddress, path, "functional_address")
		if err != nil {
			return nil, err
		}
		ecu.FunctionalAddress = fa
		ecu.HasFunctional = true
	}

	for _, t := range doc.TesterAddresses {
		addr, err := parseHexU16(t, path, "tester_addresses")
		if err != nil {
			return nil, err
		}
		ecu.TesterAddresses[addr] = true
	}

	common, specific, err := mergeCatalogs(dir, doc.UDSServices.Catalogs, path, logger)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool) // (request pattern, supports_functional) uniqueness per ISO 13400-2 step 6
	addNamed := func(names []string, pool map[string]rawService, section string) error {
		for _, name := range names {
			raw, ok := pool[name]
			if !ok {
				return &xerrors.ConfigError{
					Code: xerrors.ConfigReferenceError, File: path,
					Key: section, Err: fmt.Errorf("service %q not found in any referenced catalog", name),
				}
			}
			svc, err := normalizeService(name, raw, path, logger)
			if err != nil {
				return err
			}

			dedupeKey := fmt.Sprintf("%v|%t", svc.requestKey(), svc.SupportsFunctional)
			if seen[dedupeKey] {
				return &xerrors.ConfigError{
					Code: xerrors.ConfigDuplicateService, File: path,
					Key: name, Err: fmt.Errorf("service %q shadows another entry on the same (request, supports_functional) pair", name),
				}
			}
			seen[dedupeKey] = true

			ecu.Catalog = append(ecu.Catalog, svc)
		}
		return nil
	}

	if err := addNamed(doc.UDSServices.CommonServices, common, "uds_services.common_services"); err != nil {
		return nil, err
	}
	if err := addNamed(doc.UDSServices.SpecificServices, specific, "uds_services.specific_services"); err != nil {
		return nil, err
	}

	return ecu, nil
}

func (s *Service) requestKey() string {
	if s.IsRegex {
		return "regex:" + s.RequestRegex.String()
	}
	return s.RequestHex
}

// mergeCatalogs reads every referenced service catalog file and merges
// common_services/specific_services maps across files with "last writer
// wins" semantics, warning on every override (ISO 13400-2 §4.2 step 3, §9).
func mergeCatalogs(dir string, refs []string, ecuPath string, logger zerolog.Logger) (map[string]rawService, map[string]rawService, error) {
	common := make(map[string]rawService)
	specific := make(map[string]rawService)

	for _, ref := range refs {
		catalogPath := filepath.Join(dir, ref)
		var doc serviceCatalogDoc
		if err := readYAML(catalogPath, &doc); err != nil {
			return nil, nil, err
		}

		for name, svc := range doc.CommonServices {
			if _, exists := common[name]; exists {
				logger.Warn().Str("service", name).Str("file", catalogPath).
					Msg("common_services entry overrides a previously loaded definition")
			}
			common[name] = svc
		}
		for name, svc := range doc.SpecificServices {
			if _, exists := specific[name]; exists {
				logger.Warn().Str("service", name).Str("file", catalogPath).
					Msg("specific_services entry overrides a previously loaded definition")
			}
			specific[name] = svc
		}
	}

	if len(refs) == 0 {
		return nil, nil, &xerrors.ConfigError{
			Code: xerrors.ConfigSchemaError, File: ecuPath, Key: "uds_services.catalogs",
			Err: fmt.Errorf("ecu must reference at least one service catalog file"),
		}
	}

	return common, specific, nil
}

// normalizeService implements ISO 13400-2 §4.2 step 5: uppercase request hex,
// strip 0x prefixes, detect and pre-compile regex: patterns, normalise
// responses, validate no_response consistency.
func normalizeService(name string, raw rawService, catalogPath string, logger zerolog.Logger) (*Service, error) {
	svc := &Service{
		Name:           name,
		NoResponse:     raw.NoResponse,
		DefaultDelayMS: raw.DelayMS,
	}
	if raw.SupportsFunctional == nil {
		svc.SupportsFunctional = true
	} else {
		svc.SupportsFunctional = *raw.SupportsFunctional
	}

	req := strings.TrimSpace(raw.Request)
	if strings.HasPrefix(strings.ToLower(req), "regex:") {
		pattern := req[len("regex:"):]
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, &xerrors.ConfigError{
				Code: xerrors.ConfigBadRegex, File: catalogPath, Key: name,
				Err: fmt.Errorf("invalid regex pattern %q: %w", pattern, err),
			}
		}
		svc.IsRegex = true
		svc.RequestRegex = re
	} else {
		hex := strings.TrimPrefix(strings.TrimPrefix(req, "0x"), "0X")
		hex = strings.ToUpper(hex)
		if !isHexString(hex) || hex == "" {
			return nil, &xerrors.ConfigError{
				Code: xerrors.ConfigBadHex, File: catalogPath, Key: name,
				Err: fmt.Errorf("request pattern %q is not valid hexadecimal", raw.Request),
			}
		}
		svc.RequestHex = hex
	}

	responses, err := normalizeResponses(raw.Responses, catalogPath, name)
	if err != nil {
		return nil, err
	}
	svc.Responses = responses

	// Invariant (ISO 13400-2 §3): exactly one of (>=1 response) or no_response
	// must hold; no_response with a non-empty list is accepted but warned.
	if svc.NoResponse && len(svc.Responses) > 0 {
		logger.Warn().Str("service", name).Str("file", catalogPath).
			Msg("service has no_response=true and a non-empty responses list; responses are ignored")
	}
	if !svc.NoResponse && len(svc.Responses) == 0 {
		return nil, &xerrors.ConfigError{
			Code: xerrors.ConfigSchemaError, File: catalogPath, Key: name,
			Err: fmt.Errorf("service must have at least one response or set no_response: true"),
		}
	}

	return svc, nil
}

// defaultPowerModeCycle is used when a gateway document omits power_mode:
// a single 0x01 ("ready") status (ISO 13400-2 §4.5).
var defaultPowerModeCycle = []Response{{Bytes: []byte{0x01}}}

// normalizeResponses parses a raw responses list (hex or {response,
// delay_ms} records) into normalised Response values, shared by service
// catalog entries and the gateway-level power_mode cycle.
func normalizeResponses(raw []rawResponse, path, key string) ([]Response, error) {
	var out []Response
	for _, r := range raw {
		hex := strings.ToUpper(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(r.Response), "0x"), "0X"))
		hex = strings.ReplaceAll(hex, " ", "")
		if !isHexString(hex) || hex == "" {
			return nil, &xerrors.ConfigError{
				Code: xerrors.ConfigBadHex, File: path, Key: key,
				Err: fmt.Errorf("response %q is not valid hexadecimal", r.Response),
			}
		}
		bytes, err := hexDecode(hex)
		if err != nil {
			return nil, &xerrors.ConfigError{
				Code: xerrors.ConfigBadHex, File: path, Key: key, Err: err,
			}
		}
		out = append(out, Response{Bytes: bytes, DelayMS: r.DelayMS})
	}
	return out, nil
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &xerrors.ConfigError{Code: xerrors.ConfigFileNotFound, File: path, Err: err}
		}
		return &xerrors.ConfigError{Code: xerrors.ConfigParseError, File: path, Err: err}
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return &xerrors.ConfigError{Code: xerrors.ConfigParseError, File: path, Err: err}
	}
	return nil
}

func parseHexByte(s, file, key string) (byte, error) {
	v, err := parseHexU64(s, file, key)
	if err != nil {
		return 0, err
	}
	if v > 0xFF {
		return 0, &xerrors.ConfigError{Code: xerrors.ConfigSchemaError, File: file, Key: key, Err: fmt.Errorf("value %q does not fit in one byte", s)}
	}
	return byte(v), nil
}

func parseHexU16(s, file, key string) (uint16, error) {
	v, err := parseHexU64(s, file, key)
	if err != nil {
		return 0, err
	}
	if v > 0xFFFF {
		return 0, &xerrors.ConfigError{Code: xerrors.ConfigSchemaError, File: file, Key: key, Err: fmt.Errorf("value %q does not fit in two bytes", s)}
	}
	return uint16(v), nil
}

func parseHexU64(s, file, key string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if trimmed == "" {
		return 0, &xerrors.ConfigError{Code: xerrors.ConfigSchemaError, File: file, Key: key, Err: fmt.Errorf("missing value")}
	}
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, &xerrors.ConfigError{Code: xerrors.ConfigBadHex, File: file, Key: key, Err: err}
	}
	return v, nil
}

func parseHexFixed(s string, n int, file, key string) ([6]byte, error) {
	var out [6]byte
	hex := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(hex) != n*2 {
		return out, &xerrors.ConfigError{Code: xerrors.ConfigSchemaError, File: file, Key: key,
			Err: fmt.Errorf("expected %d hex bytes, got %d characters", n, len(hex))}
	}
	bytes, err := hexDecode(strings.ToUpper(hex))
	if err != nil {
		return out, &xerrors.ConfigError{Code: xerrors.ConfigBadHex, File: file, Key: key, Err: err}
	}
	copy(out[:], bytes)
	return out, nil
}

func isHexString(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func hexDecode(s string) ([]byte, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string %q: %w", s, err)
	}
	return out, nil
}
