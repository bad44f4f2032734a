package cloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// fleetLabel tags every container launched by this control plane with the
// fleet it belongs to. ListInstances filters on it.
const fleetLabel = "io.flotilla.fleet"

// DockerDriver treats containers as instances. It is the reference cloud
// back-end: cheap to run anywhere, with real addresses that the agent on
// board can announce.
//
// Recognized config keys:
//
//	fleet   - fleet identifier, required (label value for this endpoint)
//	image   - container image, required for launches
//	network - docker network to attach (default bridge)
//	env     - comma-separated KEY=VALUE pairs passed to new containers
type DockerDriver struct {
	cli    *client.Client
	cache  *gocache.Cache
	logger zerolog.Logger
}

// NewDockerDriver connects to the docker daemon from the environment
func NewDockerDriver() (Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv,
		client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerDriver{
		cli:    cli,
		cache:  gocache.New(listCacheTTL, time.Minute),
		logger: log.WithDriver("docker"),
	}, nil
}

func (d *DockerDriver) Name() string { return "docker" }

func (d *DockerDriver) ListInstances(ctx context.Context, cfg Config) ([]types.Instance, error) {
	fleet := cfg["fleet"]
	if fleet == "" {
		return nil, fmt.Errorf("docker config missing fleet")
	}

	if cached, ok := d.cache.Get(fleet); ok {
		return cached.([]types.Instance), nil
	}

	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", fleetLabel+"="+fleet),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	instances := make([]types.Instance, 0, len(summaries))
	for _, summary := range summaries {
		instances = append(instances, types.Instance{
			ID:        summary.ID,
			Name:      containerName(summary),
			Addresses: containerAddresses(summary),
			Created:   time.Unix(summary.Created, 0),
		})
	}

	d.cache.Set(fleet, instances, gocache.DefaultExpiration)
	return instances, nil
}

func (d *DockerDriver) StartInstance(ctx context.Context, cfg Config, params map[string]string) error {
	fleet := cfg["fleet"]
	image := cfg["image"]
	if fleet == "" || image == "" {
		return fmt.Errorf("docker config missing fleet or image")
	}

	name := params["name"]
	if name == "" {
		name = fmt.Sprintf("%s-%s", fleet, uuid.New().String()[:8])
	}

	env := splitEnv(cfg["env"])
	for key, value := range params {
		env = append(env, fmt.Sprintf("FLOTILLA_%s=%s", strings.ToUpper(key), value))
	}

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  image,
			Env:    env,
			Labels: map[string]string{fleetLabel: fleet},
		},
		&container.HostConfig{NetworkMode: container.NetworkMode(cfg["network"])},
		&network.NetworkingConfig{},
		nil,
		name,
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	d.cache.Delete(fleet)
	d.logger.Info().
		Str("container_id", created.ID).
		Str("name", name).
		Msg("Container launched")
	return nil
}

func (d *DockerDriver) DeleteInstance(ctx context.Context, cfg Config, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	d.cache.Delete(cfg["fleet"])
	d.logger.Info().Str("container_id", id).Msg("Container removed")
	return nil
}

func containerName(summary container.Summary) string {
	if len(summary.Names) == 0 {
		return summary.ID[:12]
	}
	return strings.TrimPrefix(summary.Names[0], "/")
}

func containerAddresses(summary container.Summary) []string {
	var addrs []string
	if summary.NetworkSettings == nil {
		return addrs
	}
	for _, settings := range summary.NetworkSettings.Networks {
		if settings.IPAddress != "" {
			addrs = append(addrs, settings.IPAddress)
		}
	}
	return addrs
}

func splitEnv(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func init() {
	Register("docker", NewDockerDriver)
}
