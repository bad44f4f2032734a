package cloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// StaticDriver reports a fixed set of instances and ignores launch and
// delete requests. It backs endpoints whose fleet is managed outside the
// control plane but should still participate in confirmation, health
// marking and load balancing.
//
// Config key "addresses" is a comma-separated address list; each address
// becomes one pseudo instance.
type StaticDriver struct{}

// NewStaticDriver returns the static pseudo-cloud
func NewStaticDriver() (Driver, error) {
	return &StaticDriver{}, nil
}

func (d *StaticDriver) Name() string { return "static" }

func (d *StaticDriver) ListInstances(_ context.Context, cfg Config) ([]types.Instance, error) {
	raw := strings.TrimSpace(cfg["addresses"])
	if raw == "" {
		return nil, nil
	}

	var instances []types.Instance
	for i, addr := range strings.Split(raw, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		instances = append(instances, types.Instance{
			ID:        "static-" + addr,
			Name:      fmt.Sprintf("static-%d", i),
			Addresses: []string{addr},
			// A fixed instant keeps the creation-time ordering stable.
			Created: time.Unix(0, 0),
		})
	}
	return instances, nil
}

func (d *StaticDriver) StartInstance(context.Context, Config, map[string]string) error {
	log.WithDriver("static").Debug().Msg("Ignoring launch request")
	return nil
}

func (d *StaticDriver) DeleteInstance(_ context.Context, _ Config, id string) error {
	log.WithDriver("static").Debug().Str("instance_id", id).
		Msg("Ignoring delete request")
	return nil
}

func init() {
	Register("static", NewStaticDriver)
}
