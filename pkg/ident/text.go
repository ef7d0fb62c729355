package ident

// MarshalText/UnmarshalText let every interned id round-trip through JSON
// (encoding/json) and YAML (gopkg.in/yaml.v3, which also honours
// encoding.TextMarshaler) as its plain string form.

func (a AgentId) MarshalText() ([]byte, error) { return []byte(a.String()), nil }
func (a *AgentId) UnmarshalText(b []byte) error {
	id, err := NewAgentId(string(b))
	if err != nil {
		return err
	}
	*a = id
	return nil
}

func (e EnvId) MarshalText() ([]byte, error) { return []byte(e.String()), nil }
func (e *EnvId) UnmarshalText(b []byte) error {
	id, err := NewEnvId(string(b))
	if err != nil {
		return err
	}
	*e = id
	return nil
}

func (s StorageId) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (s *StorageId) UnmarshalText(b []byte) error {
	id, err := NewStorageId(string(b))
	if err != nil {
		return err
	}
	*s = id
	return nil
}

func (c CannonId) MarshalText() ([]byte, error) { return []byte(c.String()), nil }
func (c *CannonId) UnmarshalText(b []byte) error {
	id, err := NewCannonId(string(b))
	if err != nil {
		return err
	}
	*c = id
	return nil
}

func (n NetworkId) MarshalText() ([]byte, error) { return []byte(n.String()), nil }
func (n *NetworkId) UnmarshalText(b []byte) error {
	id, err := NewNetworkId(string(b))
	if err != nil {
		return err
	}
	*n = id
	return nil
}
