package models

import (
	"fmt"
	"strings"
)

// DefaultPool is used when a config spec does not name a pool.
const DefaultPool = "general"

// BinarySpec identifies a binary artifact:
// group:artifact[:packaging[:classifier]]:version.
type BinarySpec struct {
	GroupID    string
	ArtifactID string
	Packaging  string
	Classifier string
	Version    string
}

// ParseBinarySpec parses the colon separated binary coordinates.
func ParseBinarySpec(s string) (BinarySpec, error) {
	parts := strings.Split(s, ":")
	for _, p := range parts {
		if p == "" {
			return BinarySpec{}, fmt.Errorf("invalid binary spec %q", s)
		}
	}
	switch len(parts) {
	case 3:
		return BinarySpec{GroupID: parts[0], ArtifactID: parts[1], Version: parts[2]}, nil
	case 4:
		return BinarySpec{GroupID: parts[0], ArtifactID: parts[1], Packaging: parts[2], Version: parts[3]}, nil
	case 5:
		return BinarySpec{GroupID: parts[0], ArtifactID: parts[1], Packaging: parts[2], Classifier: parts[3], Version: parts[4]}, nil
	}
	return BinarySpec{}, fmt.Errorf("invalid binary spec %q", s)
}

func (b BinarySpec) String() string {
	parts := []string{b.GroupID, b.ArtifactID}
	if b.Packaging != "" {
		parts = append(parts, b.Packaging)
		if b.Classifier != "" {
			parts = append(parts, b.Classifier)
		}
	}
	return strings.Join(append(parts, b.Version), ":")
}

// ConfigSpec identifies a configuration bundle: @component[:pool]:version.
type ConfigSpec struct {
	Component string
	Pool      string
	Version   string
}

// ParseConfigSpec parses the config coordinates. A missing pool is
// reported as DefaultPool.
func ParseConfigSpec(s string) (ConfigSpec, error) {
	if !strings.HasPrefix(s, "@") {
		return ConfigSpec{}, fmt.Errorf("invalid config spec %q: must start with @", s)
	}
	parts := strings.Split(s[1:], ":")
	for _, p := range parts {
		if p == "" {
			return ConfigSpec{}, fmt.Errorf("invalid config spec %q", s)
		}
	}
	switch len(parts) {
	case 2:
		return ConfigSpec{Component: parts[0], Pool: DefaultPool, Version: parts[1]}, nil
	case 3:
		return ConfigSpec{Component: parts[0], Pool: parts[1], Version: parts[2]}, nil
	}
	return ConfigSpec{}, fmt.Errorf("invalid config spec %q", s)
}

func (c ConfigSpec) String() string {
	if c.Pool == "" || c.Pool == DefaultPool {
		return "@" + c.Component + ":" + c.Version
	}
	return "@" + c.Component + ":" + c.Pool + ":" + c.Version
}
