package manager

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flotilla-io/flotilla/pkg/metrics"
	"github.com/flotilla-io/flotilla/pkg/store"
)

// logRingSize bounds the per-endpoint event log kept in the store
const logRingSize = 4096

// This file implements endpoint.Bookkeeper and loadbalancer.IPLocker:
// all store mutations a reconciler tick needs, concentrated in one
// place so the endpoint package never sees a store path.

// Decommission records an instance as decommissioned with its addresses
func (m *Manager) Decommission(endpoint, id string, addrs []string) error {
	data, err := json.Marshal(addrs)
	if err != nil {
		return err
	}
	if err := m.client.Write(m.paths.DecommissionedInstance(endpoint, id), data); err != nil {
		metrics.StoreErrorsTotal.Inc()
		return err
	}
	return nil
}

// DropDecommissioned removes a decommissioned-instance record
func (m *Manager) DropDecommissioned(endpoint, id string) error {
	if err := m.client.Delete(m.paths.DecommissionedInstance(endpoint, id)); err != nil {
		metrics.StoreErrorsTotal.Inc()
		return err
	}
	return nil
}

// DecommissionedInstances lists recorded decommissioned instance ids
func (m *Manager) DecommissionedInstances(endpoint string) ([]string, error) {
	ids, err := m.client.Children(m.paths.DecommissionedInstances(endpoint))
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
	}
	return ids, err
}

// DecommissionedAddresses returns the recorded addresses of one
// decommissioned instance.
func (m *Manager) DecommissionedAddresses(endpoint, id string) ([]string, error) {
	data, err := m.client.Read(m.paths.DecommissionedInstance(endpoint, id))
	if err != nil {
		return nil, err
	}
	var addrs []string
	if err := json.Unmarshal(data, &addrs); err != nil {
		return nil, fmt.Errorf("bad decommissioned record for %s: %w", id, err)
	}
	return addrs, nil
}

// MarkedInstances lists instance ids with outstanding mark counters
func (m *Manager) MarkedInstances(endpoint string) ([]string, error) {
	ids, err := m.client.Children(m.paths.MarkedInstances(endpoint))
	if err != nil {
		metrics.StoreErrorsTotal.Inc()
	}
	return ids, err
}

// Mark increments the labelled counter for an instance. Reaching the
// threshold clears the whole record and reports true exactly once.
func (m *Manager) Mark(endpoint, id, label string, maximum int) (bool, error) {
	node := m.paths.MarkedInstance(endpoint, id)

	counters := make(map[string]int)
	if data, err := m.client.Read(node); err == nil {
		if err := json.Unmarshal(data, &counters); err != nil {
			// Unreadable counters start over; better than never culling.
			counters = make(map[string]int)
		}
	} else if err != store.ErrNotFound {
		metrics.StoreErrorsTotal.Inc()
		return false, err
	}

	counters[label]++
	if counters[label] >= maximum {
		if err := m.client.Delete(node); err != nil {
			metrics.StoreErrorsTotal.Inc()
			return false, err
		}
		return true, nil
	}

	data, err := json.Marshal(counters)
	if err != nil {
		return false, err
	}
	if err := m.client.WriteEphemeral(node, data); err != nil {
		metrics.StoreErrorsTotal.Inc()
		return false, err
	}
	m.logger.Debug().
		Str("endpoint", endpoint).
		Str("instance_id", id).
		Str("label", label).
		Int("count", counters[label]).
		Msg("Instance marked")
	return false, nil
}

// DropMarked removes all mark counters for an instance
func (m *Manager) DropMarked(endpoint, id string) error {
	if err := m.client.Delete(m.paths.MarkedInstance(endpoint, id)); err != nil {
		metrics.StoreErrorsTotal.Inc()
		return err
	}
	return nil
}

// DropIP drops a confirmed address and its reverse mapping
func (m *Manager) DropIP(endpoint, ip string) error {
	if err := m.client.Delete(m.paths.ConfirmedIP(endpoint, ip)); err != nil {
		metrics.StoreErrorsTotal.Inc()
		return err
	}
	if err := m.client.Delete(m.paths.IPAssociation(ip)); err != nil {
		metrics.StoreErrorsTotal.Inc()
		return err
	}
	metrics.IPsDroppedTotal.Inc()
	return nil
}

// AppendLog appends one line to the endpoint's hex-encoded event ring
// buffer. Failures are ignored: the log is an operator convenience, not
// a source of truth.
func (m *Manager) AppendLog(endpoint, message string) {
	node := m.paths.EndpointLog(endpoint)

	var buf []byte
	if data, err := m.client.Read(node); err == nil {
		if decoded, derr := hex.DecodeString(string(data)); derr == nil {
			buf = decoded
		}
	}

	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), message)
	buf = append(buf, line...)
	if len(buf) > logRingSize {
		buf = buf[len(buf)-logRingSize:]
	}

	if err := m.client.Write(node, []byte(hex.EncodeToString(buf))); err != nil {
		metrics.StoreErrorsTotal.Inc()
	}
}

// TryLockIP claims a shared front-end address for a driver
func (m *Manager) TryLockIP(driver, ip string) (bool, error) {
	return m.client.TryLock(m.paths.LoadBalancerIP(driver, ip), []byte(m.uuid))
}

// UnlockIP releases a claimed front-end address
func (m *Manager) UnlockIP(driver, ip string) error {
	return m.client.Delete(m.paths.LoadBalancerIP(driver, ip))
}
