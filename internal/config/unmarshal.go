package config

import "gopkg.in/yaml.v3"

// UnmarshalYAML lets a response entry be either a bare hex-string scalar
// ("62F19012...") or a mapping ({response: ..., delay_ms: ...}), per
// ISO 13400-2 §3.
func (r *rawResponse) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Response = value.Value
		return nil
	}

	type plain rawResponse
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = rawResponse(p)
	return nil
}
