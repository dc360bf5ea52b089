// Package topology loads the primary and replica layout from a YAML or JSON file.
package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"gopkg.in/yaml.v3"
)

// Endpoint is a host and port.
type Endpoint struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Replica is one replica entry. Name defaults to replica-<host>-<port>.
type Replica struct {
	Name   string   `yaml:"name" json:"name"`
	Host   string   `yaml:"host" json:"host"`
	Port   int      `yaml:"port" json:"port"`
	Weight *float64 `yaml:"weight" json:"weight"`
}

// File is the on-disk layout.
type File struct {
	Primary  Endpoint  `yaml:"primary" json:"primary"`
	Replicas []Replica `yaml:"replicas" json:"replicas"`
}

// Load reads and validates a topology file. The format follows the extension.
func Load(path string) (*File, error) {
	if err := ValidatePath(path); err != nil {
		return nil, fmt.Errorf("invalid topology path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".json":
		err = json.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("unsupported topology format: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ValidatePath rejects empty paths, NUL bytes and parent directory references.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("path contains null bytes")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains parent directory reference")
	}
	return nil
}

// Validate checks endpoints, weights and name uniqueness.
func (f *File) Validate() error {
	if err := validEndpoint(f.Primary.Host, f.Primary.Port); err != nil {
		return fmt.Errorf("primary: %w", err)
	}
	seen := make(map[string]bool, len(f.Replicas))
	for i, r := range f.Replicas {
		if err := validEndpoint(r.Host, r.Port); err != nil {
			return fmt.Errorf("replica %d: %w", i, err)
		}
		if r.Weight != nil && *r.Weight < 0 {
			return fmt.Errorf("replica %d: weight must be >= 0", i)
		}
		id := r.ID()
		if id == domain.PrimaryTargetID {
			return fmt.Errorf("replica %d: name %q is reserved", i, id)
		}
		if seen[id] {
			return fmt.Errorf("replica %d: duplicate name %q", i, id)
		}
		seen[id] = true
	}
	return nil
}

func validEndpoint(host string, port int) error {
	if host == "" {
		return fmt.Errorf("host is required")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}

// ID returns the replica's target id.
func (r Replica) ID() string {
	if r.Name != "" {
		return r.Name
	}
	return ReplicaID(r.Host, r.Port)
}

// ReplicaID builds the default id for an unnamed replica.
func ReplicaID(host string, port int) string {
	return fmt.Sprintf("replica-%s-%d", host, port)
}

// PrimaryTarget returns the primary as a routing target.
func (f *File) PrimaryTarget() domain.DatabaseTarget {
	return domain.DatabaseTarget{
		ID:   domain.PrimaryTargetID,
		Role: domain.RolePrimary,
		Host: f.Primary.Host,
		Port: f.Primary.Port,
	}
}

// ReplicaInfos returns the replicas in file order. A missing weight means 1.
func (f *File) ReplicaInfos() []domain.ReplicaInfo {
	out := make([]domain.ReplicaInfo, 0, len(f.Replicas))
	for _, r := range f.Replicas {
		w := 1.0
		if r.Weight != nil {
			w = *r.Weight
		}
		out = append(out, domain.ReplicaInfo{ID: r.ID(), Host: r.Host, Port: r.Port, Weight: w, IsHealthy: true})
	}
	return out
}

// Weights returns replica weights keyed by id.
func (f *File) Weights() map[string]float64 {
	out := make(map[string]float64, len(f.Replicas))
	for _, r := range f.ReplicaInfos() {
		out[r.ID] = r.Weight
	}
	return out
}
