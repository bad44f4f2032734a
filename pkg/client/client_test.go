package client

import (
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-io/flotilla/pkg/store"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// memStore is a minimal in-memory store.Client for exercising the admin
// operations.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Read(p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[p]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (s *memStore) Write(p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[p] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) WriteEphemeral(p string, data []byte) error { return s.Write(p, data) }

func (s *memStore) Delete(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, p)
	for key := range s.data {
		if strings.HasPrefix(key, p+"/") {
			delete(s.data, key)
		}
	}
	return nil
}

func (s *memStore) Children(p string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for key := range s.data {
		if !strings.HasPrefix(key, p+"/") {
			continue
		}
		rest := key[len(p)+1:]
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[:idx]
		}
		seen[rest] = true
	}
	var children []string
	for child := range seen {
		children = append(children, child)
	}
	sort.Strings(children)
	return children, nil
}

func (s *memStore) WatchContents(p string, _ func([]byte)) ([]byte, error) {
	data, err := s.Read(p)
	if err == store.ErrNotFound {
		return nil, nil
	}
	return data, err
}

func (s *memStore) WatchChildren(p string, _ func([]string)) ([]string, error) {
	return s.Children(p)
}

func (s *memStore) TryLock(p string, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.data[p]; held {
		return false, nil
	}
	s.data[p] = data
	return true, nil
}

func (s *memStore) SessionLost() <-chan struct{} { return nil }
func (s *memStore) Close() error                 { return nil }

func newTestClient() (*Client, *memStore) {
	st := newMemStore()
	return New(st, ""), st
}

func TestEndpointManageValidates(t *testing.T) {
	admin, _ := newTestClient()

	bad := types.DefaultEndpointConfig()
	bad.MinInstances = 5
	bad.MaxInstances = 1
	assert.Error(t, admin.EndpointManage("web", bad))

	good := types.DefaultEndpointConfig()
	good.URL = "http://example.com/"
	good.Cloud = "static"
	good.MaxInstances = 3
	require.NoError(t, admin.EndpointManage("web", good))

	names, err := admin.EndpointList()
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, names)

	decoded, err := admin.EndpointConfig("web")
	require.NoError(t, err)
	assert.Equal(t, good, decoded)
}

func TestEndpointStateValidation(t *testing.T) {
	admin, _ := newTestClient()

	state, err := admin.EndpointState("web")
	require.NoError(t, err)
	assert.Equal(t, types.StateDefault, state, "unset state reads as default")

	require.NoError(t, admin.SetEndpointState("web", types.StateStopped))
	state, err = admin.EndpointState("web")
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, state)

	assert.Error(t, admin.SetEndpointState("web", "halted"))
}

func TestAuthSecretHashing(t *testing.T) {
	admin, _ := newTestClient()

	hash, err := admin.AuthHash()
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, admin.SetAuthSecret("hunter2"))
	hash, err = admin.AuthHash()
	require.NoError(t, err)
	assert.Equal(t, HashSecret("hunter2"), hash)
	assert.NotEqual(t, "hunter2", hash, "the raw secret is never stored")
}

func TestEndpointLogDecoding(t *testing.T) {
	admin, st := newTestClient()

	raw := "2026-01-12T10:00:00Z managed\n2026-01-12T10:00:10Z instance launched\n"
	paths := store.NewPaths("")
	require.NoError(t, st.Write(paths.EndpointLog("web"),
		[]byte(hex.EncodeToString([]byte(raw)))))

	lines, err := admin.EndpointLog("web")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "instance launched")
}

func TestRecordAndDropIP(t *testing.T) {
	admin, st := newTestClient()
	paths := store.NewPaths("")

	require.NoError(t, admin.RecordIP("10.0.0.5"))
	_, err := st.Read(paths.NewIP("10.0.0.5"))
	assert.NoError(t, err)

	require.NoError(t, admin.DropIP("10.0.0.5"))
	_, err = st.Read(paths.DropIP("10.0.0.5"))
	assert.NoError(t, err)
}

func TestSessions(t *testing.T) {
	admin, st := newTestClient()
	paths := store.NewPaths("")

	require.NoError(t, st.Write(paths.Session("web", "client-1"), []byte("10.0.0.1")))
	require.NoError(t, st.Write(paths.Session("web", "client-2"), []byte("10.0.0.2")))

	sessions, err := admin.Sessions("web")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"client-1": "10.0.0.1",
		"client-2": "10.0.0.2",
	}, sessions)

	require.NoError(t, admin.DropSession("web", "client-1"))
	sessions, err = admin.Sessions("web")
	require.NoError(t, err)
	assert.NotContains(t, sessions, "client-1")
}
