package loadbalancer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-io/flotilla/pkg/ring"
)

func newTestNginx(t *testing.T) (*NginxDriver, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		"config_path": dir,
		"site_path":   dir,
		"pid_file":    filepath.Join(dir, "nginx.pid"),
		"access_log":  filepath.Join(dir, "access.log"),
		"state_path":  filepath.Join(dir, "nginx.db"),
	}
	driver, err := NewNginxDriver(cfg, Deps{})
	require.NoError(t, err)
	nginx := driver.(*NginxDriver)
	t.Cleanup(func() { nginx.Close() })
	return nginx, dir
}

func sitePath(dir, url string) string {
	return filepath.Join(dir, ring.KeyOf(url)+".conf")
}

func TestNginxChangeWritesSite(t *testing.T) {
	nginx, dir := newTestNginx(t)

	url := "http://example.com/app"
	require.NoError(t, nginx.Change(url, 0, []string{"web"}, []string{"10.0.0.1", "10.0.0.2"}))

	data, err := os.ReadFile(sitePath(dir, url))
	require.NoError(t, err)
	conf := string(data)
	assert.Contains(t, conf, "server 10.0.0.1:80;")
	assert.Contains(t, conf, "server 10.0.0.2:80;")
	assert.Contains(t, conf, "server_name example.com;")
	assert.Contains(t, conf, "location /app")
	assert.Contains(t, conf, "listen 80;")
}

func TestNginxChangeIdempotent(t *testing.T) {
	nginx, dir := newTestNginx(t)

	url := "https://example.com:8443/"
	backends := []string{"10.0.0.1"}
	require.NoError(t, nginx.Change(url, 9000, []string{"web"}, backends))
	first, err := os.ReadFile(sitePath(dir, url))
	require.NoError(t, err)

	require.NoError(t, nginx.Change(url, 9000, []string{"web"}, backends))
	second, err := os.ReadFile(sitePath(dir, url))
	require.NoError(t, err)

	assert.Equal(t, first, second,
		"repeating an identical change must produce identical on-disk state")
}

func TestNginxEmptyBackendsRemovesSite(t *testing.T) {
	nginx, dir := newTestNginx(t)

	url := "http://gone.example.com/"
	require.NoError(t, nginx.Change(url, 0, []string{"web"}, []string{"10.0.0.1"}))
	require.FileExists(t, sitePath(dir, url))

	require.NoError(t, nginx.Change(url, 0, []string{"web"}, nil))
	assert.NoFileExists(t, sitePath(dir, url))
}

func TestNginxClearRemovesAllSites(t *testing.T) {
	nginx, dir := newTestNginx(t)

	require.NoError(t, nginx.Change("http://a.example.com/", 0, nil, []string{"10.0.0.1"}))
	require.NoError(t, nginx.Change("http://b.example.com/", 0, nil, []string{"10.0.0.2"}))

	require.NoError(t, nginx.Clear())

	matches, err := filepath.Glob(filepath.Join(dir, "*.conf"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestNginxTrackedStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		"config_path": dir,
		"site_path":   dir,
		"pid_file":    filepath.Join(dir, "nginx.pid"),
		"access_log":  filepath.Join(dir, "access.log"),
		"state_path":  filepath.Join(dir, "nginx.db"),
	}

	driver, err := NewNginxDriver(cfg, Deps{})
	require.NoError(t, err)
	nginx := driver.(*NginxDriver)
	require.NoError(t, nginx.Change("http://persist.example.com/", 8080,
		[]string{"web"}, []string{"10.0.0.3"}))
	require.NoError(t, nginx.Close())

	reopened, err := NewNginxDriver(cfg, Deps{})
	require.NoError(t, err)
	nginx = reopened.(*NginxDriver)
	defer nginx.Close()

	samples, err := nginx.Metrics()
	require.NoError(t, err)
	// The reopened driver still attributes connection counts to the
	// tracked backend.
	require.Contains(t, samples, "10.0.0.3")
	assert.Contains(t, samples["10.0.0.3"], "active")
}

func TestNginxSaveWithoutPid(t *testing.T) {
	nginx, dir := newTestNginx(t)

	// No pid file: Save still writes the base config and succeeds.
	require.NoError(t, nginx.Save())
	assert.FileExists(t, filepath.Join(dir, "flotilla.conf"))
}

func TestLogPatternParsing(t *testing.T) {
	watcher := newLogWatcher("/nonexistent")

	watcher.ingest(`flotilla> [12/Jan/2026:10:00:00 +0000] <10.0.0.1:8080> <512> <0.250>`)
	watcher.ingest(`flotilla> [12/Jan/2026:10:00:01 +0000] <10.0.0.1:8080> <1024> <0.750>`)
	watcher.ingest(`10.0.0.9 - - [12/Jan/2026:10:00:02 +0000] "GET / HTTP/1.1" 200`)
	watcher.ingest(`flotilla> [12/Jan/2026:10:00:03 +0000] <10.0.0.2> <100> <bogus>`)

	samples := watcher.pull()
	require.Contains(t, samples, "10.0.0.1")
	assert.NotContains(t, samples, "10.0.0.2", "unparseable lines are skipped")
	assert.NotContains(t, samples, "10.0.0.9")

	sample := samples["10.0.0.1"]
	assert.InDelta(t, 2.0, sample["rate"].Weight, 0.001)
	assert.InDelta(t, 0.5, sample["response"].Value, 0.001)

	// A second pull with no traffic is empty.
	assert.Empty(t, watcher.pull())
}
