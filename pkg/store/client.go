package store

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"

	"github.com/flotilla-io/flotilla/pkg/log"
)

// ErrNotFound is returned when a node does not exist
var ErrNotFound = errors.New("store: node not found")

// ErrUnreachable is returned when no session could be established within
// the configured retries. Callers map it to exit code 2.
var ErrUnreachable = errors.New("store: unreachable")

// Client is the coordination store contract the rest of the control plane
// depends on: a hierarchical key/value store with ephemeral nodes, watches
// and compare-and-create locks. The production implementation wraps a
// ZooKeeper session; tests substitute an in-memory fake.
type Client interface {
	// Read returns the contents of a node, or ErrNotFound.
	Read(path string) ([]byte, error)

	// Write creates or replaces a persistent node, creating parents.
	Write(path string, data []byte) error

	// WriteEphemeral creates or replaces a node tied to the session.
	WriteEphemeral(path string, data []byte) error

	// Delete removes a node. Missing nodes are not an error.
	Delete(path string) error

	// Children lists child node names. A missing parent yields an empty
	// list.
	Children(path string) ([]string, error)

	// WatchContents reads a node and invokes handler on every subsequent
	// content change until the client closes.
	WatchContents(path string, handler func([]byte)) ([]byte, error)

	// WatchChildren lists children and invokes handler on every membership
	// change until the client closes.
	WatchChildren(path string, handler func([]string)) ([]string, error)

	// TryLock atomically creates an ephemeral node, returning false if it
	// already exists.
	TryLock(path string, data []byte) (bool, error)

	// SessionLost is closed when the session expires. All ephemeral nodes
	// and watches are gone at that point; the caller must rebuild.
	SessionLost() <-chan struct{}

	// Close tears down the session, releasing all ephemeral nodes.
	Close() error
}

// Config holds connection settings for the ZooKeeper-backed client
type Config struct {
	Servers        []string
	SessionTimeout time.Duration
	ConnectRetries uint
	RetryFloor     time.Duration
}

// DefaultConfig returns usable connection defaults
func DefaultConfig(servers []string) Config {
	return Config{
		Servers:        servers,
		SessionTimeout: 10 * time.Second,
		ConnectRetries: 5,
		RetryFloor:     10 * time.Second,
	}
}

// zkClient implements Client over a single ZooKeeper session
type zkClient struct {
	conn   *zk.Conn
	acl    []zk.ACL
	logger zerolog.Logger

	mu          sync.Mutex
	sessionLost chan struct{}
	closed      bool
	closeOnce   sync.Once
	stopCh      chan struct{}
}

// Connect establishes a ZooKeeper session, retrying with exponential
// backoff floored at the configured retry floor. The returned error is
// terminal: the caller is expected to exit with code 2.
func Connect(cfg Config) (Client, error) {
	logger := log.WithComponent("store")

	var conn *zk.Conn
	var events <-chan zk.Event
	err := retry.Do(
		func() error {
			var err error
			conn, events, err = zk.Connect(cfg.Servers, cfg.SessionTimeout,
				zk.WithLogInfo(false))
			if err != nil {
				return err
			}
			// Wait for the session to actually establish.
			deadline := time.After(cfg.SessionTimeout)
			for {
				select {
				case ev := <-events:
					if ev.State == zk.StateHasSession {
						return nil
					}
				case <-deadline:
					conn.Close()
					return fmt.Errorf("no session within %s", cfg.SessionTimeout)
				}
			}
		},
		retry.Attempts(cfg.ConnectRetries),
		retry.Delay(cfg.RetryFloor),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().
				Uint("attempt", n+1).
				Err(err).
				Msg("Coordination store connect failed, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c := &zkClient{
		conn:        conn,
		acl:         zk.WorldACL(zk.PermAll),
		logger:      logger,
		sessionLost: make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
	go c.watchSession(events)
	return c, nil
}

// watchSession surfaces session expiry to the owner
func (c *zkClient) watchSession(events <-chan zk.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.State {
			case zk.StateExpired:
				c.logger.Error().Msg("Coordination store session expired")
				c.expire()
				return
			case zk.StateDisconnected:
				c.logger.Warn().Msg("Coordination store disconnected")
			case zk.StateHasSession:
				c.logger.Debug().Msg("Coordination store session established")
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *zkClient) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.sessionLost)
	}
}

func (c *zkClient) SessionLost() <-chan struct{} {
	return c.sessionLost
}

func (c *zkClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.conn.Close()
		// Wake anyone waiting on session loss; the session is gone
		// either way.
		c.expire()
	})
	return nil
}

func (c *zkClient) Read(p string) ([]byte, error) {
	data, _, err := c.conn.Get(p)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

func (c *zkClient) Write(p string, data []byte) error {
	return c.write(p, data, 0)
}

func (c *zkClient) WriteEphemeral(p string, data []byte) error {
	return c.write(p, data, zk.FlagEphemeral)
}

func (c *zkClient) write(p string, data []byte, flags int32) error {
	_, err := c.conn.Create(p, data, flags, c.acl)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		_, err = c.conn.Set(p, data, -1)
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", p, err)
		}
		return nil
	case errors.Is(err, zk.ErrNoNode):
		// Parent is missing; create the chain and retry once.
		if err := c.createParents(p); err != nil {
			return err
		}
		if _, err := c.conn.Create(p, data, flags, c.acl); err != nil &&
			!errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
		return nil
	default:
		return fmt.Errorf("failed to create %s: %w", p, err)
	}
}

// createParents creates every missing ancestor of p as a persistent node
func (c *zkClient) createParents(p string) error {
	parts := strings.Split(strings.Trim(path.Dir(p), "/"), "/")
	current := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		current += "/" + part
		_, err := c.conn.Create(current, nil, 0, c.acl)
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("failed to create parent %s: %w", current, err)
		}
	}
	return nil
}

func (c *zkClient) Delete(p string) error {
	err := c.conn.Delete(p, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		if errors.Is(err, zk.ErrNotEmpty) {
			return c.deleteRecursive(p)
		}
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

func (c *zkClient) deleteRecursive(p string) error {
	children, _, err := c.conn.Children(p)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to list %s: %w", p, err)
	}
	for _, child := range children {
		if err := c.deleteRecursive(path.Join(p, child)); err != nil {
			return err
		}
	}
	err = c.conn.Delete(p, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

func (c *zkClient) Children(p string) ([]string, error) {
	children, _, err := c.conn.Children(p)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p, err)
	}
	return children, nil
}

func (c *zkClient) TryLock(p string, data []byte) (bool, error) {
	_, err := c.conn.Create(p, data, zk.FlagEphemeral, c.acl)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, zk.ErrNodeExists):
		return false, nil
	case errors.Is(err, zk.ErrNoNode):
		if err := c.createParents(p); err != nil {
			return false, err
		}
		return c.TryLock(p, data)
	default:
		return false, fmt.Errorf("failed to lock %s: %w", p, err)
	}
}

func (c *zkClient) WatchContents(p string, handler func([]byte)) ([]byte, error) {
	data, _, ch, err := c.conn.GetW(p)
	if errors.Is(err, zk.ErrNoNode) {
		// Arm an existence watch so the handler fires on creation.
		_, _, ch, err = c.conn.ExistsW(p)
		if err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", p, err)
		}
		data = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", p, err)
	}

	go c.contentLoop(p, ch, handler)
	return data, nil
}

// contentLoop re-arms the content watch after every event. ZooKeeper
// watches are one-shot.
func (c *zkClient) contentLoop(p string, ch <-chan zk.Event, handler func([]byte)) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.State == zk.StateExpired {
				return
			}
			data, _, next, err := c.conn.GetW(p)
			if errors.Is(err, zk.ErrNoNode) {
				_, _, next, err = c.conn.ExistsW(p)
				data = nil
			}
			if err != nil {
				c.logger.Warn().Str("path", p).Err(err).
					Msg("Content watch lost")
				return
			}
			handler(data)
			ch = next
		case <-c.stopCh:
			return
		}
	}
}

func (c *zkClient) WatchChildren(p string, handler func([]string)) ([]string, error) {
	children, _, ch, err := c.conn.ChildrenW(p)
	if errors.Is(err, zk.ErrNoNode) {
		if err := c.createParents(path.Join(p, "x")); err != nil {
			return nil, err
		}
		children, _, ch, err = c.conn.ChildrenW(p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to watch children of %s: %w", p, err)
	}

	go c.childLoop(p, ch, handler)
	return children, nil
}

func (c *zkClient) childLoop(p string, ch <-chan zk.Event, handler func([]string)) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.State == zk.StateExpired {
				return
			}
			children, _, next, err := c.conn.ChildrenW(p)
			if err != nil {
				c.logger.Warn().Str("path", p).Err(err).
					Msg("Children watch lost")
				return
			}
			handler(children)
			ch = next
		case <-c.stopCh:
			return
		}
	}
}
