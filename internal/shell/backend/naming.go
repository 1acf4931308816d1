package backend

import "fmt"

// =============================================================================
// Resource Naming
// =============================================================================

// ContainerName generates the container name for one replica of a service.
// Pattern: converge_{service}_{replica}, replicas numbered from 1.
//
// Example:
//
//	ContainerName("worker", 2) // returns "converge_worker_2"
func ContainerName(service string, replica int) string {
	return fmt.Sprintf("converge_%s_%d", service, replica)
}

// NetworkName generates the backend network name for a topology network.
// Pattern: converge_{network}
func NetworkName(network string) string {
	return fmt.Sprintf("converge_%s", network)
}

// VolumeName generates the backend volume name for a topology volume.
// Pattern: converge_{volume}
func VolumeName(volume string) string {
	return fmt.Sprintf("converge_%s", volume)
}

// =============================================================================
// Label Constants
// =============================================================================

// Label keys used to identify and reconstruct managed resources.
const (
	LabelManaged   = "sh.converge.managed"
	LabelService   = "sh.converge.service"
	LabelReplica   = "sh.converge.replica"
	LabelDependsOn = "sh.converge.depends_on"
)
