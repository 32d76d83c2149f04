package requests

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/brettbedarf/treefs"
)

// Default permissions applied when a request omits perms
const (
	DefaultDirPerms  uint32 = 0o755
	DefaultFilePerms uint32 = 0o644
)

// NodeRequestDTO is the JSON/YAML representation of [treefs.NodeRequest]
type NodeRequestDTO struct {
	Path  string                       `json:"path" yaml:"path"`
	Type  treefs.NodeCreateRequestType `json:"type" yaml:"type"`
	Perms *Perms                       `json:"perms,omitempty" yaml:"perms,omitempty"` // i.e. 0755
}

// FileRequestDTO is the JSON representation of [treefs.FileCreateRequest]
type FileRequestDTO struct {
	NodeRequestDTO `yaml:",inline"`
}

type DirRequestDTO struct {
	NodeRequestDTO `yaml:",inline"`
}

// Perms is a permission bit set that decodes from a number or an octal
// string such as "0755"; JSON has no octal literals.
type Perms uint32

func (p *Perms) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return p.parse(s)
	}
	var n uint32
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("perms must be a number or octal string: %w", err)
	}
	*p = Perms(n)
	return p.check()
}

func (p *Perms) UnmarshalYAML(node *yaml.Node) error {
	if node.ShortTag() == "!!str" {
		return p.parse(node.Value)
	}
	var n uint32
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("perms must be a number or octal string: %w", err)
	}
	*p = Perms(n)
	return p.check()
}

func (p *Perms) parse(s string) error {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid octal perms %q: %w", s, err)
	}
	*p = Perms(n)
	return p.check()
}

func (p Perms) check() error {
	if p > 0o7777 {
		return fmt.Errorf("perms %o out of range", uint32(p))
	}
	return nil
}
