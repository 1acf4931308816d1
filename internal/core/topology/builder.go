package topology

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Builder
// =============================================================================

// Build parses a concrete topology document into a validated Topology.
// The document uses the compose dialect: named services with image, command,
// working directory, ports, volume mounts, dependency list, and an optional
// replica count; named volumes with backing declarations; networks.
//
// This is a pure function - no I/O, no side effects - and deterministic
// given the same input.
func Build(doc string) (*Topology, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadDocument(doc)
	if err != nil {
		return nil, err
	}

	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	topo := &Topology{
		Services: make(map[string]ServiceSpec, len(project.Services)),
		Volumes:  make(map[string]VolumeSpec, len(project.Volumes)),
		Networks: make(map[string]NetworkSpec, len(project.Networks)),
	}

	for _, name := range sortedKeys(project.Volumes) {
		vol, err := convertVolume(name, project.Volumes[name])
		if err != nil {
			return nil, err
		}
		topo.Volumes[name] = vol
	}

	if err := convertNetworks(project, topo); err != nil {
		return nil, err
	}

	// A service that declares no networks joins the topology's default
	// network, so every spec names its attachments explicitly.
	defaultNetwork := topo.DefaultNetwork().Name
	for _, name := range sortedKeys(project.Services) {
		svc, err := convertService(project.Services[name])
		if err != nil {
			return nil, err
		}
		if len(svc.Networks) == 0 {
			svc.Networks = []string{defaultNetwork}
		}
		topo.Services[name] = svc
	}

	if err := validate(topo); err != nil {
		return nil, err
	}

	return topo, nil
}

// loadDocument loads the document using compose-go.
func loadDocument(doc string) (*types.Project, error) {
	// Parse YAML into a map first. yaml.v3 rejects duplicate mapping keys,
	// which is how two services sharing a name surface.
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(doc), &dict); err != nil {
		if strings.Contains(err.Error(), "already defined") {
			return nil, NewBuildError("", err.Error(), ErrDuplicateName)
		}
		return nil, NewBuildError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewBuildError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(doc),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("converge", false)
		opts.SkipValidation = false
		// The document is already concrete; no environment interpolation.
		opts.SkipInterpolation = true
		// Don't resolve paths or synthesize entities; we do that ourselves.
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewBuildError("", "service must have an image", ErrServiceNoImage)
		}
		return nil, NewBuildError("", errStr, ErrInvalidYAML)
	}

	return project, nil
}

// checkUnsupportedFeatures rejects compose features outside the topology model.
func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return NewBuildError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return NewBuildError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range project.Services {
		if svc.Build != nil {
			return NewBuildError("services."+svc.Name+".build", "image builds are not supported", ErrUnsupportedFeature)
		}
		if svc.Extends != nil && svc.Extends.File != "" {
			return NewBuildError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

// convertService converts a compose-go service to a ServiceSpec.
func convertService(svc types.ServiceConfig) (ServiceSpec, error) {
	spec := ServiceSpec{
		Name:       svc.Name,
		Image:      svc.Image,
		Command:    svc.Command,
		WorkingDir: svc.WorkingDir,
		Replicas:   1,
	}

	if spec.Image == "" {
		return ServiceSpec{}, NewBuildError("services."+svc.Name, "service must have an image", ErrServiceNoImage)
	}

	// Ports
	for i, p := range svc.Ports {
		field := "services." + svc.Name + ".ports[" + strconv.Itoa(i) + "]"
		if p.Target == 0 || p.Target > 65535 {
			return ServiceSpec{}, NewBuildError(field, "container port must be between 1 and 65535", ErrInvalidPort)
		}
		var published int
		if p.Published != "" {
			pub, err := strconv.ParseUint(p.Published, 10, 32)
			if err != nil || pub == 0 || pub > 65535 {
				return ServiceSpec{}, NewBuildError(field, "host port must be between 1 and 65535", ErrInvalidPort)
			}
			published = int(pub)
		}
		spec.Ports = append(spec.Ports, PortMapping{
			HostPort:      published,
			ContainerPort: int(p.Target),
			Protocol:      p.Protocol,
		})
	}

	// Volume mounts: only named volumes; host paths belong in a declared
	// bind volume so every mount cross-references the volume category.
	for i, v := range svc.Volumes {
		field := "services." + svc.Name + ".volumes[" + strconv.Itoa(i) + "]"
		if v.Type != "" && v.Type != "volume" {
			return ServiceSpec{}, NewBuildError(field, "mount host paths via a declared bind volume", ErrUnsupportedFeature)
		}
		if strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, "./") {
			return ServiceSpec{}, NewBuildError(field, "mount host paths via a declared bind volume", ErrUnsupportedFeature)
		}
		spec.Mounts = append(spec.Mounts, Mount{
			Volume:   v.Source,
			Path:     v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	// Networks, sorted for determinism
	for net := range svc.Networks {
		spec.Networks = append(spec.Networks, net)
	}
	sort.Strings(spec.Networks)

	// DependsOn, sorted for determinism
	for dep := range svc.DependsOn {
		spec.DependsOn = append(spec.DependsOn, dep)
	}
	sort.Strings(spec.DependsOn)

	// Replica count
	if svc.Deploy != nil && svc.Deploy.Replicas != nil {
		spec.Replicas = *svc.Deploy.Replicas
	}

	return spec, nil
}

// convertVolume converts a compose-go volume to a VolumeSpec.
// A volume with a driver_opts device is a bind volume; otherwise managed.
func convertVolume(name string, vol types.VolumeConfig) (VolumeSpec, error) {
	if bool(vol.External) {
		return VolumeSpec{}, NewBuildError("volumes."+name, "external volumes are not supported", ErrUnsupportedFeature)
	}

	spec := VolumeSpec{
		Name: name,
		Kind: VolumeKindManaged,
	}

	if device := vol.DriverOpts["device"]; device != "" {
		spec.Kind = VolumeKindBind
		spec.Source = device
	}

	return spec, nil
}

// convertNetworks converts declared networks and marks the default one.
// A topology with no declared networks gets a synthesized default.
func convertNetworks(project *types.Project, topo *Topology) error {
	for _, name := range sortedKeys(project.Networks) {
		net := project.Networks[name]
		driver := net.Driver
		if driver == "" {
			driver = "bridge"
		}
		topo.Networks[name] = NetworkSpec{
			Name:       name,
			Driver:     driver,
			Attachable: net.Attachable,
		}
	}

	switch len(topo.Networks) {
	case 0:
		topo.Networks["default"] = NetworkSpec{
			Name:    "default",
			Driver:  "bridge",
			Default: true,
		}
	case 1:
		for name, net := range topo.Networks {
			net.Default = true
			topo.Networks[name] = net
		}
	default:
		net, ok := topo.Networks["default"]
		if !ok {
			return NewBuildError("networks", "several networks declared and none named \"default\"", ErrAmbiguousDefaultNetwork)
		}
		net.Default = true
		topo.Networks["default"] = net
	}

	return nil
}

// sortedKeys returns map keys in sorted order for deterministic traversal.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
