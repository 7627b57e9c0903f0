package nacos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

type fakeSource struct {
	mu        sync.Mutex
	content   string
	getErr    error
	listener  func(namespace, group, dataId, data string)
	cancelled bool
}

func (f *fakeSource) GetConfig(vo.ConfigParam) (string, error) { return f.content, f.getErr }

func (f *fakeSource) ListenConfig(p vo.ConfigParam) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = p.OnChange
	return nil
}

func (f *fakeSource) CancelListenConfig(vo.ConfigParam) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeSource) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func TestWatchAppliesInitialAndChanges(t *testing.T) {
	src := &fakeSource{content: "v1"}
	var seen []string
	ctx, cancel := context.WithCancel(context.Background())

	err := Watch(ctx, src, "relay.yaml", "DEFAULT_GROUP", func(c string) error {
		if c == "bad" {
			return errors.New("bad revision")
		}
		seen = append(seen, c)
		return nil
	})
	assert.Equal(t, err, nil)

	src.listener("public", "DEFAULT_GROUP", "relay.yaml", "v2")
	src.listener("public", "DEFAULT_GROUP", "relay.yaml", "bad")
	assert.Equal(t, seen, []string{"v1", "v2"})

	cancel()
	deadline := time.Now().Add(time.Second)
	for !src.isCancelled() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, src.isCancelled(), true)
}

func TestWatchFailsOnBadInitial(t *testing.T) {
	src := &fakeSource{getErr: errors.New("unreachable")}
	err := Watch(context.Background(), src, "d", "g", func(string) error { return nil })
	assert.NotEqual(t, err, nil)

	src = &fakeSource{content: "x"}
	err = Watch(context.Background(), src, "d", "g", func(string) error { return errors.New("invalid") })
	assert.NotEqual(t, err, nil)
}

type fakeNaming struct {
	registered   *vo.RegisterInstanceParam
	deregistered bool
}

func (f *fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	f.registered = &p
	return true, nil
}

func (f *fakeNaming) DeregisterInstance(vo.DeregisterInstanceParam) (bool, error) {
	f.deregistered = true
	return false, nil
}

func TestRegistrar(t *testing.T) {
	n := &fakeNaming{}
	r := NewRegistrar(n, "ppsync-relay", "10.0.0.5", 8080, map[string]string{"ws": "/ws"})
	assert.Equal(t, r.Register(), nil)
	assert.Equal(t, n.registered.ServiceName, "ppsync-relay")
	assert.Equal(t, n.registered.Metadata["ws"], "/ws")
	assert.Equal(t, r.Deregister(), nil)
	assert.Equal(t, n.deregistered, true)
}
