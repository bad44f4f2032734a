package loadbalancer

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/ring"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// DNSDriver balances by answering A queries for each programmed URL's
// hostname with the backend set, rotating the answer order per query.
// There is no process to reload: Save is a no-op because answers are
// served from memory.
//
// Recognized config keys:
//
//	listen - UDP listen address (default ":5353")
//	ttl    - answer TTL seconds (default "10")
type DNSDriver struct {
	listen string
	ttl    uint32
	locker IPLocker

	mu      sync.Mutex
	zones   map[string]*dnsZone // fqdn -> zone
	byID    map[string]string   // url key -> fqdn
	server  *dns.Server
	logger  zerolog.Logger
	started bool
}

type dnsZone struct {
	backends []net.IP
	next     int
}

// NewDNSDriver constructs and starts the DNS back-end
func NewDNSDriver(cfg Config, deps Deps) (Driver, error) {
	ttl := uint32(10)
	if raw := cfg["ttl"]; raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad ttl %q: %w", raw, err)
		}
		ttl = uint32(parsed)
	}

	d := &DNSDriver{
		listen: orDefault(cfg["listen"], ":5353"),
		ttl:    ttl,
		locker: deps.Locker,
		zones:  make(map[string]*dnsZone),
		byID:   make(map[string]string),
		logger: log.WithDriver("dns"),
	}

	// Claim the listen address so two managers on one host don't bind
	// over each other.
	if host, _, err := net.SplitHostPort(d.listen); err == nil &&
		host != "" && host != "0.0.0.0" && d.locker != nil {
		held, err := d.locker.TryLockIP("dns", host)
		if err != nil {
			return nil, err
		}
		if !held {
			return nil, fmt.Errorf("listen address %s already claimed", host)
		}
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", d.handle)
	d.server = &dns.Server{Addr: d.listen, Net: "udp", Handler: mux}
	go func() {
		if err := d.server.ListenAndServe(); err != nil {
			d.logger.Error().Err(err).Msg("DNS server stopped")
		}
	}()
	return d, nil
}

func (d *DNSDriver) Name() string { return "dns" }

func (d *DNSDriver) handle(w dns.ResponseWriter, req *dns.Msg) {
	reply := new(dns.Msg)
	reply.SetReply(req)

	d.mu.Lock()
	for _, question := range req.Question {
		if question.Qtype != dns.TypeA {
			continue
		}
		zone, ok := d.zones[strings.ToLower(question.Name)]
		if !ok || len(zone.backends) == 0 {
			continue
		}
		// Rotate the answer order so resolvers that take the first
		// record spread across backends.
		start := zone.next % len(zone.backends)
		zone.next++
		for i := range zone.backends {
			ip := zone.backends[(start+i)%len(zone.backends)]
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   question.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    d.ttl,
				},
				A: ip,
			})
		}
	}
	d.mu.Unlock()

	if err := w.WriteMsg(reply); err != nil {
		d.logger.Debug().Err(err).Msg("Failed to write DNS reply")
	}
}

func (d *DNSDriver) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.zones = make(map[string]*dnsZone)
	d.byID = make(map[string]string)
	return nil
}

func (d *DNSDriver) Change(rawURL string, _ int, _ []string, backends []string) error {
	host := hostOf(rawURL)
	if host == "" {
		return fmt.Errorf("url %q has no usable hostname", rawURL)
	}
	fqdn := strings.ToLower(dns.Fqdn(host))
	id := ring.KeyOf(rawURL)

	var ips []net.IP
	for _, backend := range backends {
		if ip := net.ParseIP(backend); ip != nil && ip.To4() != nil {
			ips = append(ips, ip.To4())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(ips) == 0 {
		delete(d.zones, fqdn)
		delete(d.byID, id)
		return nil
	}
	d.zones[fqdn] = &dnsZone{backends: ips}
	d.byID[id] = fqdn
	d.logger.Info().Str("zone", fqdn).Int("backends", len(ips)).
		Msg("Zone updated")
	return nil
}

// Save is a no-op: answers are served from memory
func (d *DNSDriver) Save() error { return nil }

// Metrics: the DNS back-end sees no per-request traffic worth reporting
func (d *DNSDriver) Metrics() (map[string]types.MetricSample, error) {
	return nil, nil
}

// DropSession is meaningless for DNS
func (d *DNSDriver) DropSession(string, string) error { return nil }

// Shutdown stops the server. Used by tests; production managers live as
// long as their drivers.
func (d *DNSDriver) Shutdown() error {
	return d.server.Shutdown()
}

func hostOf(rawURL string) string {
	rest := rawURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		rest = rest[:idx]
	}
	if host, _, err := net.SplitHostPort(rest); err == nil {
		return host
	}
	return rest
}

func init() {
	Register("dns", NewDNSDriver)
}
