package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloud struct {
	id     string
	closed atomic.Int32
	err    error
}

func (f *fakeCloud) DeviceID() string { return f.id }
func (f *fakeCloud) SendEvent(context.Context, []byte, map[string]string) error {
	return nil
}
func (f *fakeCloud) Complete(context.Context, string) error { return nil }
func (f *fakeCloud) Abandon(context.Context, string) error  { return nil }
func (f *fakeCloud) Reject(context.Context, string) error   { return nil }
func (f *fakeCloud) Close() error {
	f.closed.Add(1)
	return f.err
}

type fakeBus struct {
	closed atomic.Int32
	err    error
}

func (f *fakeBus) Publish(context.Context, string, []byte) error { return nil }
func (f *fakeBus) Close() error {
	f.closed.Add(1)
	return f.err
}

func TestAddAndLookup(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.AddTenant(&Tenant{ApplicationID: "app-1", MQTTApplicationID: "app-1@ttn"}))
	assert.ErrorIs(t, m.AddTenant(&Tenant{ApplicationID: "app-1"}), ErrDuplicateKey)

	require.NoError(t, m.AddDevice(&Device{DeviceID: "dev-1", ApplicationID: "app-1"}))
	assert.ErrorIs(t, m.AddDevice(&Device{DeviceID: "dev-1", ApplicationID: "app-2"}), ErrDuplicateKey)

	tenant, ok := m.LookupTenant("app-1")
	require.True(t, ok)
	assert.Equal(t, "app-1@ttn", tenant.MQTTApplicationID)

	d, ok := m.LookupDevice("dev-1")
	require.True(t, ok)
	assert.Equal(t, "app-1", d.ApplicationID)

	_, ok = m.LookupDevice("dev-2")
	assert.False(t, ok)
	_, ok = m.LookupTenant("app-2")
	assert.False(t, ok)

	assert.Equal(t, 1, m.TenantCount())
	assert.Equal(t, 1, m.DeviceCount())
}

func TestCloseAllToleratesFailures(t *testing.T) {
	m := NewManager()

	good := &fakeCloud{id: "dev-1"}
	bad := &fakeCloud{id: "dev-2", err: errors.New("already gone")}
	bus := &fakeBus{err: errors.New("disconnect failed")}
	bus2 := &fakeBus{}

	require.NoError(t, m.AddDevice(&Device{DeviceID: "dev-1", Cloud: good}))
	require.NoError(t, m.AddDevice(&Device{DeviceID: "dev-2", Cloud: bad}))
	require.NoError(t, m.AddTenant(&Tenant{ApplicationID: "app-1", Bus: bus}))
	require.NoError(t, m.AddTenant(&Tenant{ApplicationID: "app-2", Bus: bus2}))

	m.CloseAll()

	assert.Equal(t, int32(1), good.closed.Load())
	assert.Equal(t, int32(1), bad.closed.Load())
	assert.Equal(t, int32(1), bus.closed.Load())
	assert.Equal(t, int32(1), bus2.closed.Load())
	assert.Equal(t, 0, m.DeviceCount())
	assert.Equal(t, 0, m.TenantCount())
}

func TestRemoveDevice(t *testing.T) {
	m := NewManager()
	c := &fakeCloud{id: "dev-1"}
	require.NoError(t, m.AddDevice(&Device{DeviceID: "dev-1", Cloud: c}))

	m.RemoveDevice("dev-1")
	m.RemoveDevice("dev-1")

	assert.False(t, m.HasDevice("dev-1"))
	assert.Equal(t, int32(1), c.closed.Load())
}

func TestSnapshotsSorted(t *testing.T) {
	m := NewManager()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, m.AddDevice(&Device{DeviceID: id}))
		require.NoError(t, m.AddTenant(&Tenant{ApplicationID: "app-" + id}))
	}

	var ids []string
	for _, d := range m.Devices() {
		ids = append(ids, d.DeviceID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, "app-a", m.Tenants()[0].ApplicationID)
}

func TestConcurrentAdd(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	var dupes atomic.Int32

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if err := m.AddDevice(&Device{DeviceID: fmt.Sprintf("dev-%d", i)}); errors.Is(err, ErrDuplicateKey) {
					dupes.Add(1)
				}
				m.LookupDevice(fmt.Sprintf("dev-%d", i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, m.DeviceCount())
	assert.Equal(t, int32(300), dupes.Load())
}
