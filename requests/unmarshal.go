package requests

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brettbedarf/treefs"
	"github.com/brettbedarf/treefs/internal/util"
)

// Format selects the encoding of a node definition document
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// GetNodeType extracts the node type from JSON without full unmarshaling
func GetNodeType(data []byte) (treefs.NodeCreateRequestType, error) {
	var meta struct {
		Type treefs.NodeCreateRequestType `json:"type"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", err
	}
	return meta.Type, nil
}

// UnmarshalFileRequest decodes a single JSON file request
func UnmarshalFileRequest(data []byte) (*treefs.FileCreateRequest, error) {
	var dto FileRequestDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, err
	}
	dto.Type = treefs.FileNodeType

	node, err := convertNodeDTO(dto.NodeRequestDTO)
	if err != nil {
		return nil, err
	}
	return &treefs.FileCreateRequest{NodeRequest: node}, nil
}

// UnmarshalDirRequest decodes a single JSON directory request
func UnmarshalDirRequest(data []byte) (*treefs.DirCreateRequest, error) {
	var dto DirRequestDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, err
	}
	dto.Type = treefs.DirNodeType

	node, err := convertNodeDTO(dto.NodeRequestDTO)
	if err != nil {
		return nil, err
	}
	return &treefs.DirCreateRequest{NodeRequest: node}, nil
}

// Decode parses a list of node definitions in the given format
func Decode(data []byte, format Format) ([]treefs.NodeRequest, error) {
	var dtos []NodeRequestDTO
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &dtos); err != nil {
			return nil, fmt.Errorf("decode json node list: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &dtos); err != nil {
			return nil, fmt.Errorf("decode yaml node list: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown node list format %q", format)
	}

	reqs := make([]treefs.NodeRequest, 0, len(dtos))
	for i, dto := range dtos {
		req, err := convertNodeDTO(dto)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// LoadFile reads a node definition file, choosing the format by extension
// (.json, .yaml or .yml)
func LoadFile(path string) ([]treefs.NodeRequest, error) {
	logger := util.GetLogger("Requests.LoadFile")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = FormatJSON
	case ".yaml", ".yml":
		format = FormatYAML
	default:
		return nil, fmt.Errorf("unknown node file extension %q", filepath.Ext(path))
	}

	reqs, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Debug().Str("path", path).Int("count", len(reqs)).Msg("Loaded node definitions")
	return reqs, nil
}

// Conversion logic with defaults in the unmarshaling layer
func convertNodeDTO(dto NodeRequestDTO) (treefs.NodeRequest, error) {
	if strings.Trim(dto.Path, "/") == "" {
		return treefs.NodeRequest{}, fmt.Errorf("missing path")
	}

	var perms uint32
	switch dto.Type {
	case treefs.DirNodeType:
		perms = DefaultDirPerms
	case treefs.FileNodeType:
		perms = DefaultFilePerms
	default:
		return treefs.NodeRequest{}, fmt.Errorf("path %q: unknown node type %q", dto.Path, dto.Type)
	}
	if dto.Perms != nil {
		perms = uint32(*dto.Perms)
	}

	return treefs.NodeRequest{
		Path:  dto.Path,
		Type:  dto.Type,
		Perms: perms,
	}, nil
}
