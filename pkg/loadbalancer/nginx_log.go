package loadbalancer

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// logPattern matches one access-log line written with the flotilla log
// format: a fixed token, then bracketed timestamp and angle-delimited
// host, body size and response time fields.
var logPattern = regexp.MustCompile(
	`flotilla> \[([^\]]*)\][^<]*<([^>]*)>[^<]*<([^>]*)>[^<]*<([^>]*)>`)

// hostRecord accumulates raw per-host counters between pulls
type hostRecord struct {
	hits         int
	bytes        int64
	responseTime float64
}

// logWatcher tails the nginx access log and aggregates request lines into
// per-host counters. pull() converts and resets them.
type logWatcher struct {
	path   string
	logger zerolog.Logger

	mu       sync.Mutex
	records  map[string]*hostRecord
	lastPull time.Time

	stopCh chan struct{}
}

func newLogWatcher(path string) *logWatcher {
	return &logWatcher{
		path:     path,
		logger:   log.WithDriver("nginx"),
		records:  make(map[string]*hostRecord),
		lastPull: time.Now(),
		stopCh:   make(chan struct{}),
	}
}

func (w *logWatcher) start() {
	go w.run()
}

func (w *logWatcher) stop() {
	close(w.stopCh)
}

// run tails the log file, reopening it on rotation. Parse failures are
// skipped; the log also carries lines in other formats.
func (w *logWatcher) run() {
	var file *os.File
	var reader *bufio.Reader

	reopen := func() bool {
		if file != nil {
			file.Close()
			file = nil
		}
		f, err := os.Open(w.path)
		if err != nil {
			return false
		}
		// Seek to the end, always: history is someone else's problem.
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return false
		}
		file = f
		reader = bufio.NewReader(f)
		return true
	}
	reopen()

	for {
		select {
		case <-w.stopCh:
			if file != nil {
				file.Close()
			}
			return
		default:
		}

		if file == nil {
			if !reopen() {
				time.Sleep(time.Second)
				continue
			}
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if line == "" {
				// Check for rotation: if the file shrank under us, the
				// old fd points at the rotated file.
				if info, serr := os.Stat(w.path); serr == nil {
					if pos, perr := file.Seek(0, io.SeekCurrent); perr == nil &&
						info.Size() < pos {
						reopen()
					}
				}
				time.Sleep(time.Second)
			}
			continue
		}
		w.ingest(strings.TrimSpace(line))
	}
}

// ingest parses one log line into the per-host counters
func (w *logWatcher) ingest(line string) {
	m := logPattern.FindStringSubmatch(line)
	if m == nil {
		return
	}
	host := m[2]
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	bytes, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return
	}
	responseTime, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return
	}

	w.mu.Lock()
	record, ok := w.records[host]
	if !ok {
		record = &hostRecord{}
		w.records[host] = record
	}
	record.hits++
	record.bytes += bytes
	record.responseTime += responseTime
	w.mu.Unlock()
}

// pull swaps out the accumulated counters and converts them to rate,
// response and bytes samples weighted by hit count.
func (w *logWatcher) pull() map[string]types.MetricSample {
	w.mu.Lock()
	now := time.Now()
	delta := now.Sub(w.lastPull).Seconds()
	w.lastPull = now
	records := w.records
	w.records = make(map[string]*hostRecord)
	w.mu.Unlock()

	if delta <= 0 {
		delta = 1
	}

	samples := make(map[string]types.MetricSample, len(records))
	for host, record := range records {
		hits := float64(record.hits)
		samples[host] = types.MetricSample{
			"rate":     {Weight: hits, Value: hits / delta},
			"response": {Weight: hits, Value: record.responseTime / hits},
			"bytes":    {Weight: hits, Value: float64(record.bytes) / delta},
		}
	}
	return samples
}
