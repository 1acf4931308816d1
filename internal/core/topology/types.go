package topology

import "sort"

// =============================================================================
// Topology - Main Output Type
// =============================================================================

// Topology is the complete desired-state description of services, volumes,
// and networks. It is built once per reconciliation cycle and immutable
// after validation; a redeployment supersedes it with a fresh build.
type Topology struct {
	Services map[string]ServiceSpec `json:"services"`
	Volumes  map[string]VolumeSpec  `json:"volumes,omitempty"`
	Networks map[string]NetworkSpec `json:"networks,omitempty"`
}

// ServiceNames returns the service names in sorted order.
func (t *Topology) ServiceNames() []string {
	names := make([]string, 0, len(t.Services))
	for name := range t.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultNetwork returns the topology's default network.
func (t *Topology) DefaultNetwork() NetworkSpec {
	for _, net := range t.Networks {
		if net.Default {
			return net
		}
	}
	return NetworkSpec{}
}

// =============================================================================
// Service Types
// =============================================================================

// ServiceSpec represents a single desired service.
type ServiceSpec struct {
	Name       string        `json:"name"`
	Image      string        `json:"image"`
	Command    []string      `json:"command,omitempty"`
	WorkingDir string        `json:"working_dir,omitempty"`
	Ports      []PortMapping `json:"ports,omitempty"`
	Mounts     []Mount       `json:"mounts,omitempty"`
	Networks   []string      `json:"networks,omitempty"`
	DependsOn  []string      `json:"depends_on,omitempty"`
	Replicas   int           `json:"replicas"`
}

// PublishesHostPort reports whether the service claims any host port.
func (s ServiceSpec) PublishesHostPort() bool {
	for _, p := range s.Ports {
		if p.HostPort > 0 {
			return true
		}
	}
	return false
}

// PortMapping represents a published host:container port pair.
// HostPort 0 means the port is exposed but not published on the host.
type PortMapping struct {
	HostPort      int    `json:"host_port,omitempty"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
}

// Mount represents a named volume mounted into a service.
type Mount struct {
	Volume   string `json:"volume"`
	Path     string `json:"path"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// =============================================================================
// Volume Types
// =============================================================================

// VolumeKind identifies the backing mechanism of a volume.
type VolumeKind string

const (
	// VolumeKindManaged volumes are created and owned by the backend.
	VolumeKindManaged VolumeKind = "managed"
	// VolumeKindBind volumes map a host directory into containers.
	VolumeKindBind VolumeKind = "bind"
)

// VolumeSpec represents a named volume declaration.
type VolumeSpec struct {
	Name   string     `json:"name"`
	Kind   VolumeKind `json:"kind"`
	Source string     `json:"source,omitempty"` // Absolute host path, bind only
}

// =============================================================================
// Network Types
// =============================================================================

// NetworkSpec represents a network declaration.
type NetworkSpec struct {
	Name       string `json:"name"`
	Driver     string `json:"driver,omitempty"`
	Attachable bool   `json:"attachable,omitempty"`
	Default    bool   `json:"default"`
}
