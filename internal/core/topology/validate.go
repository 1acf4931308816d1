package topology

import (
	"path/filepath"
	"strconv"
)

// =============================================================================
// Topology Validation
// =============================================================================

// validate enforces the cross-reference and invariant checks that make a
// Topology safe to reconcile:
//
//   - every mount resolves to a declared volume
//   - every network reference resolves to a declared network
//   - bind volume sources are absolute paths
//   - no two services claim the same host port
//   - replica counts are >= 1, and > 1 only for services that publish no
//     host port (the backend has no load-balanced port sharing)
func validate(topo *Topology) error {
	for _, name := range sortedKeys(topo.Volumes) {
		vol := topo.Volumes[name]
		if vol.Kind == VolumeKindBind && !filepath.IsAbs(vol.Source) {
			return NewBuildError("volumes."+name, "source "+strconv.Quote(vol.Source)+" is not an absolute path", ErrInvalidVolumeSource)
		}
	}

	hostPorts := make(map[int]string)

	for _, name := range topo.ServiceNames() {
		svc := topo.Services[name]
		field := "services." + name

		if svc.Replicas < 1 {
			return NewBuildError(field+".replicas", "replica count must be at least 1", ErrInvalidReplicas)
		}

		for _, mount := range svc.Mounts {
			if _, ok := topo.Volumes[mount.Volume]; !ok {
				return NewBuildError(field+".volumes", "volume "+strconv.Quote(mount.Volume)+" is not declared", ErrUnknownVolume)
			}
		}

		for _, net := range svc.Networks {
			if _, ok := topo.Networks[net]; !ok {
				return NewBuildError(field+".networks", "network "+strconv.Quote(net)+" is not declared", ErrUnknownNetwork)
			}
		}

		for _, port := range svc.Ports {
			if port.HostPort == 0 {
				continue
			}
			if claimedBy, taken := hostPorts[port.HostPort]; taken {
				return NewBuildError(field+".ports",
					"host port "+strconv.Itoa(port.HostPort)+" already claimed by service "+strconv.Quote(claimedBy),
					ErrPortConflict)
			}
			hostPorts[port.HostPort] = name
		}

		if svc.Replicas > 1 && svc.PublishesHostPort() {
			return NewBuildError(field,
				"service publishes a host port and cannot run "+strconv.Itoa(svc.Replicas)+" replicas",
				ErrReplicaPortConflict)
		}
	}

	return nil
}
