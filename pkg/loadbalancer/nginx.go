package loadbalancer

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/template"

	"github.com/rs/zerolog"

	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/metrics"
	"github.com/flotilla-io/flotilla/pkg/ring"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// nginx reloads by re-reading its site directory on SIGHUP; the driver
// owns that directory and writes one file per URL key.
const siteTemplate = `upstream backend_{{.ID}} {
{{- range .Backends}}
    server {{.}}:{{$.Port}};
{{- end}}
}

server {
    listen {{.Listen}};
    server_name {{.ServerName}};

    location {{.Path}} {
        proxy_pass {{.Scheme}}://backend_{{.ID}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    }

    access_log {{.AccessLog}} flotilla;
}
`

// baseConf declares the log format the metrics scraper parses. It is
// rewritten on every Save so a hand-edited file heals itself.
const baseConf = `log_format flotilla 'flotilla> [$time_local] <$host> <$body_bytes_sent> <$request_time>';
`

// NginxDriver programs an nginx instance through its site directory and
// harvests per-backend metrics from the access log.
//
// Recognized config keys:
//
//	config_path - directory for the shared log-format config
//	site_path   - directory for per-URL site files
//	pid_file    - nginx pid file for the reload signal
//	access_log  - access log to scrape
//	state_path  - bolt file persisting the tracked URL map
type NginxDriver struct {
	configPath string
	sitePath   string
	pidFile    string
	accessLog  string

	mu      sync.Mutex
	tracked map[string]trackedSite
	state   *stateStore
	watcher *logWatcher
	tmpl    *template.Template
	logger  zerolog.Logger
}

// NewNginxDriver constructs the nginx back-end and starts its log scraper
func NewNginxDriver(cfg Config, _ Deps) (Driver, error) {
	d := &NginxDriver{
		configPath: orDefault(cfg["config_path"], "/etc/nginx/conf.d"),
		sitePath:   orDefault(cfg["site_path"], "/etc/nginx/sites-enabled"),
		pidFile:    orDefault(cfg["pid_file"], "/var/run/nginx.pid"),
		accessLog:  orDefault(cfg["access_log"], "/var/log/nginx/access.log"),
		tracked:    make(map[string]trackedSite),
		tmpl:       template.Must(template.New("site").Parse(siteTemplate)),
		logger:     log.WithDriver("nginx"),
	}

	statePath := orDefault(cfg["state_path"], "/var/lib/flotilla/nginx.db")
	if err := os.MkdirAll(filepath.Dir(statePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	state, err := openStateStore(statePath)
	if err != nil {
		return nil, err
	}
	d.state = state

	tracked, err := state.load()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to load tracked sites")
	} else {
		d.tracked = tracked
	}

	d.watcher = newLogWatcher(d.accessLog)
	d.watcher.start()
	return d, nil
}

func (d *NginxDriver) Name() string { return "nginx" }

// Clear removes every site file this driver manages
func (d *NginxDriver) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(d.sitePath, "*.conf"))
	if err != nil {
		return err
	}
	for _, conf := range matches {
		if err := os.Remove(conf); err != nil && !os.IsNotExist(err) {
			d.logger.Warn().Str("file", conf).Err(err).
				Msg("Failed to remove site file")
		}
	}

	d.tracked = make(map[string]trackedSite)
	return d.state.clear()
}

// Change writes the site file for a URL. The file is rendered to a
// temporary name and atomically linked into place, so repeating a Change
// with identical arguments produces byte-identical on-disk state.
func (d *NginxDriver) Change(rawURL string, port int, names []string, backends []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := ring.KeyOf(rawURL)
	confPath := filepath.Join(d.sitePath, id+".conf")

	if len(backends) == 0 {
		if err := os.Remove(confPath); err != nil && !os.IsNotExist(err) {
			d.logger.Warn().Str("file", confPath).Err(err).
				Msg("Failed to remove site file")
		}
		delete(d.tracked, id)
		return d.state.delete(id)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("bad url %q: %w", rawURL, err)
	}

	listen := parsed.Port()
	if listen == "" {
		if parsed.Scheme == "https" {
			listen = "443"
		} else {
			listen = "80"
		}
	}
	if port == 0 {
		port, _ = strconv.Atoi(listen)
	}

	serverName := parsed.Hostname()
	if serverName == "" {
		serverName = "_"
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	scheme := parsed.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "http"
	}

	var rendered strings.Builder
	err = d.tmpl.Execute(&rendered, struct {
		ID         string
		Backends   []string
		Port       int
		Listen     string
		ServerName string
		Path       string
		Scheme     string
		AccessLog  string
	}{
		ID:         id,
		Backends:   backends,
		Port:       port,
		Listen:     listen,
		ServerName: serverName,
		Path:       path,
		Scheme:     scheme,
		AccessLog:  d.accessLog,
	})
	if err != nil {
		return fmt.Errorf("failed to render site: %w", err)
	}

	tmp := confPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(rendered.String()), 0644); err != nil {
		return fmt.Errorf("failed to write site file: %w", err)
	}
	if err := os.Rename(tmp, confPath); err != nil {
		return fmt.Errorf("failed to install site file: %w", err)
	}

	site := trackedSite{URL: rawURL, Port: port, Backends: backends}
	d.tracked[id] = site
	d.logger.Info().
		Str("url", rawURL).
		Strs("names", names).
		Int("backends", len(backends)).
		Msg("Site updated")
	return d.state.save(id, site)
}

// Save rewrites the shared log-format config and signals nginx to reload
func (d *NginxDriver) Save() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LoadBalancerSaveDuration)

	confPath := filepath.Join(d.configPath, "flotilla.conf")
	if err := os.WriteFile(confPath, []byte(baseConf), 0644); err != nil {
		return fmt.Errorf("failed to write base config: %w", err)
	}

	pid, err := d.readPid()
	if err != nil {
		// nginx not running yet; the config is in place for when it
		// starts.
		d.logger.Debug().Err(err).Msg("No nginx pid, skipping reload")
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to signal nginx: %w", err)
	}
	d.logger.Debug().Int("pid", pid).Msg("Reload signalled")
	return nil
}

func (d *NginxDriver) readPid() (int, error) {
	data, err := os.ReadFile(d.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("bad pid file: %w", err)
	}
	return pid, nil
}

// Metrics merges the scraped log samples with live connection counts for
// every tracked backend.
func (d *NginxDriver) Metrics() (map[string]types.MetricSample, error) {
	samples := d.watcher.pull()

	active := activeConnections()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, site := range d.tracked {
		for _, backend := range site.Backends {
			count := active[fmt.Sprintf("%s:%d", backend, site.Port)]
			sample, ok := samples[backend]
			if !ok {
				sample = types.MetricSample{}
				samples[backend] = sample
			}
			sample["active"] = types.MetricValue{Weight: 1, Value: float64(count)}
		}
	}
	return samples, nil
}

// DropSession is not supported by the nginx back-end
func (d *NginxDriver) DropSession(string, string) error {
	return nil
}

// Close stops the log scraper and releases the state database
func (d *NginxDriver) Close() error {
	d.watcher.stop()
	return d.state.close()
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func init() {
	Register("nginx", NewNginxDriver)
}
