package kampe

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ComposeFile is the docker-compose.yml written to the work dir. It mirrors
// what the orchestrator creates through the API so the topology can be
// inspected or reproduced by hand.
type ComposeFile struct {
	Services map[string]ComposeService `yaml:"services"`
	Networks map[string]ComposeNetwork `yaml:"networks"`
}

type ComposeService struct {
	ContainerName string                           `yaml:"container_name"`
	Image         string                           `yaml:"image"`
	Entrypoint    []string                         `yaml:"entrypoint,omitempty"`
	Command       []string                         `yaml:"command,omitempty"`
	Environment   []string                         `yaml:"environment,omitempty"`
	Labels        map[string]string                `yaml:"labels,omitempty"`
	WorkingDir    string                           `yaml:"working_dir,omitempty"`
	Networks      map[string]ComposeServiceNetwork `yaml:"networks"`
	Volumes       []string                         `yaml:"volumes,omitempty"`
	CapAdd        []string                         `yaml:"cap_add,omitempty"`
	CapDrop       []string                         `yaml:"cap_drop,omitempty"`
	DNS           []string                         `yaml:"dns,omitempty"`
	ExtraHosts    []string                         `yaml:"extra_hosts,omitempty"`
	Sysctls       map[string]string                `yaml:"sysctls,omitempty"`
	Expose        []string                         `yaml:"expose,omitempty"`
	Healthcheck   *ComposeHealthcheck              `yaml:"healthcheck,omitempty"`
	DependsOn     map[string]ComposeDependency     `yaml:"depends_on,omitempty"`
}

type ComposeServiceNetwork struct {
	IPv4Address string `yaml:"ipv4_address"`
}

type ComposeHealthcheck struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

type ComposeDependency struct {
	Condition string `yaml:"condition"`
}

type ComposeNetwork struct {
	Name       string            `yaml:"name"`
	Driver     string            `yaml:"driver"`
	DriverOpts map[string]string `yaml:"driver_opts,omitempty"`
	IPAM       ComposeIPAM       `yaml:"ipam"`
}

type ComposeIPAM struct {
	Config []ComposeIPAMConfig `yaml:"config"`
}

type ComposeIPAMConfig struct {
	Subnet  string `yaml:"subnet"`
	Gateway string `yaml:"gateway"`
}

const (
	composeProxy   = "squid-proxy"
	composeSandbox = "agent"
)

// Compose builds the descriptor for the topology that would run command.
func (o *Orchestrator) Compose(command []string) *ComposeFile {
	netSpec := o.NetworkSpec()
	proxy := toComposeService(o.ProxySpec())
	sandbox := toComposeService(o.SandboxSpec(command))
	sandbox.DependsOn = map[string]ComposeDependency{
		composeProxy: {Condition: "service_healthy"},
	}

	network := ComposeNetwork{
		Name:   netSpec.Name,
		Driver: "bridge",
		IPAM: ComposeIPAM{Config: []ComposeIPAMConfig{{
			Subnet:  netSpec.Subnet.String(),
			Gateway: netSpec.Gateway.String(),
		}}},
	}
	if netSpec.Bridge != "" {
		network.DriverOpts = map[string]string{"com.docker.network.bridge.name": netSpec.Bridge}
	}

	return &ComposeFile{
		Services: map[string]ComposeService{
			composeProxy:   proxy,
			composeSandbox: sandbox,
		},
		Networks: map[string]ComposeNetwork{netSpec.Name: network},
	}
}

// RenderCompose returns the docker-compose.yml bytes for command.
func (o *Orchestrator) RenderCompose(command []string) ([]byte, error) {
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(o.Compose(command)); err != nil {
		return nil, fmt.Errorf("failed to encode compose file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode compose file: %w", err)
	}
	return []byte(b.String()), nil
}

// ParseCompose reads a descriptor written by RenderCompose.
func ParseCompose(data []byte) (*ComposeFile, error) {
	var f ComposeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse compose file: %w", err)
	}
	return &f, nil
}

func toComposeService(spec ContainerSpec) ComposeService {
	svc := ComposeService{
		ContainerName: spec.Name,
		Image:         spec.Image,
		Entrypoint:    spec.Entrypoint,
		Command:       spec.Cmd,
		Environment:   spec.Env,
		Labels:        spec.Labels,
		WorkingDir:    spec.WorkingDir,
		Networks: map[string]ComposeServiceNetwork{
			spec.Network: {IPv4Address: spec.IPv4.String()},
		},
		Volumes:    spec.Binds,
		CapAdd:     spec.CapAdd,
		CapDrop:    spec.CapDrop,
		DNS:        spec.DNS,
		ExtraHosts: spec.ExtraHosts,
		Sysctls:    spec.Sysctls,
	}
	for _, p := range spec.ExposedPorts {
		svc.Expose = append(svc.Expose, strconv.Itoa(int(p)))
	}
	if h := spec.Health; h != nil {
		svc.Healthcheck = &ComposeHealthcheck{
			Test:     h.Test,
			Interval: h.Interval.String(),
			Timeout:  h.Timeout.String(),
			Retries:  h.Retries,
		}
	}
	return svc
}
