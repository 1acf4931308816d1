package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/converge-sh/converge/internal/core/plan"
	"github.com/converge-sh/converge/internal/core/topology"
)

// =============================================================================
// Docker Backend
// =============================================================================

// DockerBackend implements Backend against a Docker daemon. A service with
// replica count N is realized as N labeled containers.
type DockerBackend struct {
	cli           *client.Client
	logger        *slog.Logger
	stopTimeout   time.Duration
	healthTimeout time.Duration
}

// DockerConfig configures the Docker backend.
type DockerConfig struct {
	// Host is the daemon address; empty uses the environment default.
	Host string

	// StopTimeout is how long a container gets to drain before SIGKILL.
	StopTimeout time.Duration

	// HealthTimeout bounds the internal health wait during updates.
	HealthTimeout time.Duration
}

// NewDockerBackend creates a Docker backend.
func NewDockerBackend(cfg DockerConfig, logger *slog.Logger) (*DockerBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 2 * time.Minute
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewError("NewDockerBackend", "", "failed to create client", false, ErrConnectionFailed)
	}

	return &DockerBackend{
		cli:           cli,
		logger:        logger.With("component", "docker_backend"),
		stopTimeout:   cfg.StopTimeout,
		healthTimeout: cfg.HealthTimeout,
	}, nil
}

// Close closes the Docker client connection.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// =============================================================================
// Observation
// =============================================================================

// ListServices snapshots every managed container, grouped by service label.
func (b *DockerBackend) ListServices(ctx context.Context) (plan.ObservedState, error) {
	containers, err := b.listManaged(ctx, "")
	if err != nil {
		return nil, err
	}
	return observeServices(containers), nil
}

// observeServices groups managed containers into an ObservedState. The
// lowest replica index is the authoritative source for the image and
// dependency labels, so observation never depends on daemon list order.
func observeServices(containers []container.Summary) plan.ObservedState {
	sort.Slice(containers, func(i, j int) bool {
		si, sj := containers[i].Labels[LabelService], containers[j].Labels[LabelService]
		if si != sj {
			return si < sj
		}
		return replicaIndex(containers[i].Labels) < replicaIndex(containers[j].Labels)
	})

	state := make(plan.ObservedState)
	for _, c := range containers {
		name := c.Labels[LabelService]
		if name == "" {
			continue
		}

		svc, ok := state[name]
		if !ok {
			svc = plan.ObservedService{
				Name:    name,
				Image:   c.Image,
				Healthy: true,
			}
			if deps := c.Labels[LabelDependsOn]; deps != "" {
				svc.DependsOn = strings.Split(deps, ",")
			}
		}

		if c.State == "running" {
			svc.Replicas++
		} else {
			svc.Healthy = false
		}

		state[name] = svc
	}

	return state
}

// listManaged lists managed containers, optionally filtered to one service.
func (b *DockerBackend) listManaged(ctx context.Context, service string) ([]container.Summary, error) {
	f := filters.NewArgs()
	f.Add("label", LabelManaged+"=true")
	if service != "" {
		f.Add("label", LabelService+"="+service)
	}

	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, NewError("ListServices", service, err.Error(), transientMessage(err), err)
	}
	return containers, nil
}

// =============================================================================
// Infrastructure Preparation
// =============================================================================

// Prepare ensures the topology's networks and volumes exist. Safe to call
// repeatedly; existing resources are reused.
func (b *DockerBackend) Prepare(ctx context.Context, topo *topology.Topology) error {
	for _, name := range sortedNames(topo.Networks) {
		net := topo.Networks[name]
		if err := b.ensureNetwork(ctx, net); err != nil {
			return err
		}
	}

	for _, name := range sortedNames(topo.Volumes) {
		vol := topo.Volumes[name]
		if err := b.ensureVolume(ctx, vol); err != nil {
			return err
		}
	}

	return nil
}

func (b *DockerBackend) ensureNetwork(ctx context.Context, spec topology.NetworkSpec) error {
	name := NetworkName(spec.Name)
	_, err := b.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     spec.Driver,
		Attachable: spec.Attachable,
		Labels:     map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			b.logger.Debug("network already exists, reusing", "network", name)
			return nil
		}
		return NewError("Prepare", "", fmt.Sprintf("create network %s: %v", name, err), transientMessage(err), err)
	}
	b.logger.Debug("created network", "network", name)
	return nil
}

func (b *DockerBackend) ensureVolume(ctx context.Context, spec topology.VolumeSpec) error {
	name := VolumeName(spec.Name)

	opts := volume.CreateOptions{
		Name:   name,
		Driver: "local",
		Labels: map[string]string{LabelManaged: "true"},
	}

	// Bind volumes map a host directory; the directory must exist before
	// the volume is first mounted.
	if spec.Kind == topology.VolumeKindBind {
		if err := os.MkdirAll(spec.Source, 0o755); err != nil {
			return NewError("Prepare", "", fmt.Sprintf("create bind source %s: %v", spec.Source, err), false, err)
		}
		opts.DriverOpts = map[string]string{
			"type":   "none",
			"o":      "bind",
			"device": spec.Source,
		}
	}

	if _, err := b.cli.VolumeCreate(ctx, opts); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			b.logger.Debug("volume already exists, reusing", "volume", name)
			return nil
		}
		return NewError("Prepare", "", fmt.Sprintf("create volume %s: %v", name, err), transientMessage(err), err)
	}
	b.logger.Debug("created volume", "volume", name)
	return nil
}

// =============================================================================
// Service Lifecycle
// =============================================================================

// CreateService creates and starts all replicas of a service. The call is
// idempotent: replicas left behind by an earlier attempt with the same
// image are adopted rather than recreated, so a retry after a health
// timeout does not trip over its own container names. A failure removes
// only the replicas created by this call.
func (b *DockerBackend) CreateService(ctx context.Context, spec topology.ServiceSpec) error {
	existing, err := b.listManaged(ctx, spec.Name)
	if err != nil {
		return err
	}
	adopt, replace := splitAdoptable(existing, spec.Image, spec.Replicas)
	for _, id := range replace {
		b.stopAndRemove(ctx, id, true)
	}

	if err := b.ensureImage(ctx, spec.Image); err != nil {
		return NewError("CreateService", spec.Name, err.Error(), transientMessage(err), err)
	}

	var created []string
	for replica := 1; replica <= spec.Replicas; replica++ {
		if c, ok := adopt[replica]; ok {
			if c.State != "running" {
				if err := b.cli.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
					b.cleanup(ctx, created)
					return NewError("CreateService", spec.Name, fmt.Sprintf("start replica %d: %v", replica, err), transientMessage(err), err)
				}
			}
			b.logger.Debug("adopted replica", "service", spec.Name, "replica", replica, "container_id", shortID(c.ID))
			continue
		}

		id, err := b.createReplica(ctx, spec, replica, ContainerName(spec.Name, replica))
		if err != nil {
			b.cleanup(ctx, created)
			return err
		}
		created = append(created, id)

		if err := b.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			b.cleanup(ctx, created)
			return NewError("CreateService", spec.Name, fmt.Sprintf("start replica %d: %v", replica, err), transientMessage(err), err)
		}
		b.logger.Debug("started replica", "service", spec.Name, "replica", replica, "container_id", shortID(id))
	}

	b.logger.Info("service created", "service", spec.Name, "replicas", spec.Replicas, "adopted", len(adopt))
	return nil
}

// splitAdoptable partitions a service's existing containers into replicas
// an idempotent create can keep (same image, replica index within range,
// no index collision) and containers that must be replaced.
func splitAdoptable(existing []container.Summary, image string, replicas int) (adopt map[int]container.Summary, replace []string) {
	adopt = make(map[int]container.Summary)
	for _, c := range existing {
		idx := replicaIndex(c.Labels)
		if c.Image == image && idx >= 1 && idx <= replicas {
			if _, taken := adopt[idx]; !taken {
				adopt[idx] = c
				continue
			}
		}
		replace = append(replace, c.ID)
	}
	return adopt, replace
}

// UpdateService replaces the service's containers with the new spec:
// replacements start and become healthy before the old containers stop.
func (b *DockerBackend) UpdateService(ctx context.Context, name string, spec topology.ServiceSpec) error {
	old, err := b.listManaged(ctx, name)
	if err != nil {
		return err
	}

	if err := b.ensureImage(ctx, spec.Image); err != nil {
		return NewError("UpdateService", name, err.Error(), transientMessage(err), err)
	}

	// Start replacements under temporary names.
	var next []string
	for replica := 1; replica <= spec.Replicas; replica++ {
		id, err := b.createReplica(ctx, spec, replica, ContainerName(name, replica)+"_next")
		if err != nil {
			b.cleanup(ctx, next)
			return err
		}
		next = append(next, id)
		if err := b.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			b.cleanup(ctx, next)
			return NewError("UpdateService", name, fmt.Sprintf("start replacement %d: %v", replica, err), transientMessage(err), err)
		}
	}

	if err := b.waitContainersHealthy(ctx, next, b.healthTimeout); err != nil {
		b.cleanup(ctx, next)
		return NewError("UpdateService", name, fmt.Sprintf("replacement not healthy: %v", err), false, err)
	}

	// Old generation drains, then the replacements take the canonical names.
	for _, c := range old {
		b.stopAndRemove(ctx, c.ID, c.State == "running")
	}
	for i, id := range next {
		canonical := ContainerName(name, i+1)
		if err := b.cli.ContainerRename(ctx, id, canonical); err != nil {
			return NewError("UpdateService", name, fmt.Sprintf("rename replacement: %v", err), transientMessage(err), err)
		}
	}

	b.logger.Info("service updated", "service", name, "image", spec.Image, "replicas", spec.Replicas)
	return nil
}

// ScaleService adjusts the running replica count, the same metric
// ListServices reports, so a plan's Scale action actually converges.
// Stopped replicas are replaced, never counted; scale-down removes the
// highest replica indices first. New replicas clone the config of an
// existing one.
func (b *DockerBackend) ScaleService(ctx context.Context, name string, replicas int) error {
	containers, err := b.listManaged(ctx, name)
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		return NewError("ScaleService", name, "no replicas found", false, ErrServiceNotFound)
	}

	remove, create := scaleChanges(containers, replicas)

	var spec topology.ServiceSpec
	if len(create) > 0 {
		spec, err = b.specFromContainer(ctx, containers[0].ID)
		if err != nil {
			return err
		}
	}

	running := make(map[string]bool, len(containers))
	for _, c := range containers {
		if c.State == "running" {
			running[c.ID] = true
		}
	}
	for _, id := range remove {
		b.stopAndRemove(ctx, id, running[id])
	}

	for _, replica := range create {
		id, err := b.createReplica(ctx, spec, replica, ContainerName(name, replica))
		if err != nil {
			return err
		}
		if err := b.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return NewError("ScaleService", name, fmt.Sprintf("start replica %d: %v", replica, err), transientMessage(err), err)
		}
	}

	b.logger.Info("service scaled", "service", name, "to", replicas, "created", len(create), "removed", len(remove))
	return nil
}

// scaleChanges computes which containers to remove and which replica
// indices to create so exactly replicas replicas are running. Stopped
// containers never count toward the target and are always removed.
func scaleChanges(containers []container.Summary, replicas int) (remove []string, create []int) {
	var active []container.Summary
	for _, c := range containers {
		if c.State == "running" {
			active = append(active, c)
		} else {
			remove = append(remove, c.ID)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return replicaIndex(active[i].Labels) < replicaIndex(active[j].Labels)
	})

	if len(active) > replicas {
		for _, c := range active[replicas:] {
			remove = append(remove, c.ID)
		}
		return remove, nil
	}

	used := make(map[int]bool, len(active))
	for _, c := range active {
		used[replicaIndex(c.Labels)] = true
	}
	next := 1
	for n := len(active); n < replicas; n++ {
		for used[next] {
			next++
		}
		used[next] = true
		create = append(create, next)
	}
	return remove, create
}

// RemoveService stops and removes every replica of the service. Networks
// and volumes are shared across services and are left in place.
func (b *DockerBackend) RemoveService(ctx context.Context, name string) error {
	containers, err := b.listManaged(ctx, name)
	if err != nil {
		return err
	}

	for _, c := range containers {
		b.stopAndRemove(ctx, c.ID, c.State == "running")
	}

	b.logger.Info("service removed", "service", name, "replicas", len(containers))
	return nil
}

// WaitHealthy polls the service's replicas until all are healthy or the
// timeout elapses. A replica without a health check counts as healthy once
// running.
func (b *DockerBackend) WaitHealthy(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		containers, err := b.listManaged(ctx, name)
		if err != nil {
			return err
		}
		if len(containers) > 0 {
			ids := make([]string, 0, len(containers))
			for _, c := range containers {
				ids = append(ids, c.ID)
			}
			healthy, err := b.allHealthy(ctx, ids)
			if err != nil {
				return NewError("WaitHealthy", name, err.Error(), false, err)
			}
			if healthy {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return NewError("WaitHealthy", name, "health deadline exceeded", true, ErrHealthTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Container Helpers
// =============================================================================

// createReplica creates one container for a service replica.
func (b *DockerBackend) createReplica(ctx context.Context, spec topology.ServiceSpec, replica int, containerName string) (string, error) {
	config := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		WorkingDir: spec.WorkingDir,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelService: spec.Name,
			LabelReplica: strconv.Itoa(replica),
		},
	}
	if len(spec.DependsOn) > 0 {
		config.Labels[LabelDependsOn] = strings.Join(spec.DependsOn, ",")
	}

	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
	}

	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}
			if p.HostPort > 0 {
				portBindings[containerPort] = []nat.PortBinding{
					{HostPort: strconv.Itoa(p.HostPort)},
				}
			}
		}
		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   VolumeName(m.Volume),
			Target:   m.Path,
			ReadOnly: m.ReadOnly,
		})
	}

	// The builder guarantees every spec names its networks.
	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{},
	}
	for _, n := range spec.Networks {
		networkConfig.EndpointsConfig[NetworkName(n)] = &network.EndpointSettings{
			Aliases: []string{spec.Name},
		}
	}

	resp, err := b.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, containerName)
	if err != nil {
		transient := transientMessage(err)
		if strings.Contains(err.Error(), "Conflict") || strings.Contains(err.Error(), "port is already allocated") {
			transient = false
		}
		return "", NewError("CreateService", spec.Name, fmt.Sprintf("create %s: %v", containerName, err), transient, err)
	}

	return resp.ID, nil
}

// specFromContainer reconstructs enough of a ServiceSpec from a running
// container to clone additional replicas.
func (b *DockerBackend) specFromContainer(ctx context.Context, containerID string) (topology.ServiceSpec, error) {
	resp, err := b.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return topology.ServiceSpec{}, NewError("ScaleService", "", err.Error(), transientMessage(err), err)
	}

	spec := topology.ServiceSpec{
		Name:       resp.Config.Labels[LabelService],
		Image:      resp.Config.Image,
		Command:    resp.Config.Cmd,
		WorkingDir: resp.Config.WorkingDir,
	}
	if deps := resp.Config.Labels[LabelDependsOn]; deps != "" {
		spec.DependsOn = strings.Split(deps, ",")
	}

	for _, m := range resp.HostConfig.Mounts {
		if m.Type != mount.TypeVolume {
			continue
		}
		spec.Mounts = append(spec.Mounts, topology.Mount{
			Volume:   strings.TrimPrefix(m.Source, "converge_"),
			Path:     m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	for netName := range resp.NetworkSettings.Networks {
		spec.Networks = append(spec.Networks, strings.TrimPrefix(netName, "converge_"))
	}
	sort.Strings(spec.Networks)

	return spec, nil
}

// allHealthy inspects the given containers; healthy means a passing health
// check, or simply running when no check is configured. An explicitly
// unhealthy replica is a hard failure.
func (b *DockerBackend) allHealthy(ctx context.Context, ids []string) (bool, error) {
	for _, id := range ids {
		resp, err := b.cli.ContainerInspect(ctx, id)
		if err != nil {
			return false, err
		}
		if resp.State.Health != nil {
			switch resp.State.Health.Status {
			case "healthy":
			case "unhealthy":
				return false, fmt.Errorf("%w: container %s", ErrUnhealthy, shortID(id))
			default:
				return false, nil
			}
			continue
		}
		if resp.State.Status != "running" {
			return false, nil
		}
	}
	return true, nil
}

// waitContainersHealthy polls a fixed container set until all healthy.
func (b *DockerBackend) waitContainersHealthy(ctx context.Context, ids []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		healthy, err := b.allHealthy(ctx, ids)
		if err != nil {
			return err
		}
		if healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrHealthTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// stopAndRemove stops a container if running and removes it. Failures are
// logged, not returned; removal is best-effort per container.
func (b *DockerBackend) stopAndRemove(ctx context.Context, containerID string, running bool) {
	if running {
		seconds := int(b.stopTimeout.Seconds())
		if err := b.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
			b.logger.Warn("failed to stop container", "container_id", shortID(containerID), "error", err)
		}
	}
	if err := b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		b.logger.Warn("failed to remove container", "container_id", shortID(containerID), "error", err)
	} else {
		b.logger.Debug("removed container", "container_id", shortID(containerID))
	}
}

// cleanup removes the given containers, used to undo a partial create.
func (b *DockerBackend) cleanup(ctx context.Context, ids []string) {
	for _, id := range ids {
		b.stopAndRemove(ctx, id, true)
	}
}

// ensureImage pulls the image when it is not present locally.
func (b *DockerBackend) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := b.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	b.logger.Info("pulling image", "image", ref)
	reader, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// replicaIndex parses the replica label, 0 when absent.
func replicaIndex(labels map[string]string) int {
	n, _ := strconv.Atoi(labels[LabelReplica])
	return n
}

// shortID truncates a container ID for log output.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// sortedNames returns map keys in sorted order.
func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
