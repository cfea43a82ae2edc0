package config

// Raw YAML document shapes (ISO 13400-2 §4.2 step 1-3). These are unmarshalled
// directly by gopkg.in/yaml.v3 and then resolved/validated into the typed
// views in types.go; they are never exposed outside this package.

type gatewayDoc struct {
	Network struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		MaxConnections int    `yaml:"max_connections"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"network"`
	Protocol struct {
		Version        string `yaml:"version"`
		InverseVersion string `yaml:"inverse_version"`
	} `yaml:"protocol"`
	Vehicle struct {
		VIN            string `yaml:"vin"`
		EID            string `yaml:"eid"`
		GID            string `yaml:"gid"`
		LogicalAddress string `yaml:"logical_address"`
	} `yaml:"vehicle"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	ECUs        []string      `yaml:"ecus"`
	PowerMode   []rawResponse `yaml:"power_mode"`
}

type ecuDoc struct {
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description"`
	TargetAddress     string   `yaml:"target_address"`
	FunctionalAddress string   `yaml:"functional_address"`
	TesterAddresses   []string `yaml:"tester_addresses"`
	UDSServices       struct {
		Catalogs          []string `yaml:"catalogs"`
		CommonServices    []string `yaml:"common_services"`
		SpecificServices  []string `yaml:"specific_services"`
	} `yaml:"uds_services"`
}

// rawResponse accepts either a bare hex string or a {response, delay_ms}
// record (ISO 13400-2 §3 "Each element is either a bare hex-string response or
// a record"). yaml.v3 can unmarshal into this shape from either form
// because rawResponse.UnmarshalYAML (unmarshal.go) tries the scalar case
// first.
type rawResponse struct {
	Response string `yaml:"response"`
	DelayMS  *int   `yaml:"delay_ms"`
}

type rawService struct {
	Request            string        `yaml:"request"`
	Responses          []rawResponse `yaml:"responses"`
	SupportsFunctional *bool         `yaml:"supports_functional"`
	NoResponse         bool          `yaml:"no_response"`
	DelayMS            int           `yaml:"delay_ms"`
}

type serviceCatalogDoc struct {
	CommonServices   map[string]rawService `yaml:"common_services"`
	SpecificServices map[string]rawService `yaml:"specific_services"`
}
