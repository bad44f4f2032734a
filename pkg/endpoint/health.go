package endpoint

import (
	"github.com/samber/lo"

	"github.com/flotilla-io/flotilla/pkg/types"
)

// Mark labels. Each label counts independently; reaching the endpoint's
// mark_maximum on any label clears the counter and culls the instance.
const (
	// MarkUnregistered counts ticks in which none of an instance's
	// addresses were confirmed.
	MarkUnregistered = "unregistered"

	// MarkDecommissioned counts ticks in which a decommissioned
	// instance's addresses stayed out of the active set.
	MarkDecommissioned = "decommissioned"
)

// HealthCheck performs the per-tick housekeeping pass: pruning orphaned
// records, marking unregistered instances, dropping orphaned confirmed
// IPs, and deleting decommissioned instances once they go quiet.
func (e *Endpoint) HealthCheck(t Tick) {
	cfg := e.Config()
	instances := e.Instances(t.Ctx, false)
	ids := lo.Map(instances, func(i types.Instance, _ int) string { return i.ID })

	// Prune bookkeeping for instances the cloud no longer knows; stale
	// records would otherwise clog the store forever.
	e.pruneOrphans(t, ids)

	confirmed := toSet(t.ConfirmedIPs)
	active := toSet(t.ActiveIPs)

	var dead []types.Instance
	var inactive []string
	associated := make(map[string]bool)

	e.mu.Lock()
	retired := append([]string(nil), e.decommissioned...)
	e.mu.Unlock()

	for _, instance := range instances {
		expected := instance.Addresses

		if len(intersect(expected, active)) == 0 {
			inactive = append(inactive, instance.ID)
		}

		// Decommissioned instances collect no unregistered marks, and their
		// confirmed addresses count as orphans below.
		if lo.Contains(retired, instance.ID) {
			continue
		}

		instanceConfirmed := intersect(expected, confirmed)
		if len(instanceConfirmed) == 0 {
			// The instance never announced a confirmed address. Mark it;
			// enough marks and it is culled.
			hit, err := t.Book.Mark(e.Name, instance.ID, MarkUnregistered, cfg.MarkMaximum)
			if err != nil {
				e.logger.Warn().Err(err).Str("instance_id", instance.ID).
					Msg("Failed to mark instance")
			} else if hit {
				dead = append(dead, instance)
			}
		} else {
			for _, ip := range instanceConfirmed {
				associated[ip] = true
			}
		}
	}

	// Confirmed IPs with no backing instance are orphans: drop them and
	// reprogram the balancer.
	var orphaned []string
	for ip := range confirmed {
		if !associated[ip] {
			orphaned = append(orphaned, ip)
		}
	}
	if len(orphaned) > 0 {
		e.logger.Info().Strs("ips", orphaned).
			Msg("Dropping orphaned confirmed IPs")
		for _, ip := range orphaned {
			if err := t.Book.DropIP(e.Name, ip); err != nil {
				e.logger.Warn().Err(err).Str("ip", ip).
					Msg("Failed to drop orphaned IP")
			}
		}
		if t.Refresh != nil {
			t.Refresh()
		}
	}

	e.decommission(t, dead, "marked unregistered too long")

	// Decommissioned instances whose addresses have gone quiet get the
	// second mark label; on threshold they are actually deleted.
	e.mu.Lock()
	decommissioned := append([]string(nil), e.decommissioned...)
	e.mu.Unlock()

	for _, id := range inactive {
		if !lo.Contains(decommissioned, id) {
			continue
		}
		hit, err := t.Book.Mark(e.Name, id, MarkDecommissioned, cfg.MarkMaximum)
		if err != nil {
			e.logger.Warn().Err(err).Str("instance_id", id).
				Msg("Failed to mark decommissioned instance")
			continue
		}
		if hit {
			e.delete(t, id)
		}
	}
}

// pruneOrphans drops marked and decommissioned records whose instance the
// cloud no longer reports.
func (e *Endpoint) pruneOrphans(t Tick, known []string) {
	marked, err := t.Book.MarkedInstances(e.Name)
	if err == nil {
		for _, id := range marked {
			if !lo.Contains(known, id) {
				if err := t.Book.DropMarked(e.Name, id); err != nil {
					e.logger.Warn().Err(err).Str("instance_id", id).
						Msg("Failed to prune marked record")
				}
			}
		}
	}

	recorded, err := t.Book.DecommissionedInstances(e.Name)
	if err != nil {
		return
	}
	for _, id := range recorded {
		if !lo.Contains(known, id) {
			if err := t.Book.DropDecommissioned(e.Name, id); err != nil {
				e.logger.Warn().Err(err).Str("instance_id", id).
					Msg("Failed to prune decommissioned record")
				continue
			}
			e.mu.Lock()
			e.decommissioned = lo.Without(e.decommissioned, id)
			e.mu.Unlock()
		}
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func intersect(items []string, set map[string]bool) []string {
	var out []string
	for _, item := range items {
		if set[item] {
			out = append(out, item)
		}
	}
	return out
}
