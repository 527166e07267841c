package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionString(t *testing.T) {
	c, err := ParseConnectionString("HostName=hub.example.com;SharedAccessKey=c2VjcmV0;DeviceId=dev-9")
	require.NoError(t, err)
	assert.Equal(t, Credentials{Endpoint: "hub.example.com", Key: "c2VjcmV0", DeviceID: "dev-9"}, c)
	assert.Equal(t, "dev-9", c.WithDevice("dev-1").DeviceID)

	c, err = ParseConnectionString("hostname=nats://10.0.0.1:4222; SharedAccessKey=a==")
	require.NoError(t, err)
	assert.Equal(t, "nats://10.0.0.1:4222", c.Endpoint)
	assert.Equal(t, "a==", c.Key)
	assert.Equal(t, "dev-1", c.WithDevice("dev-1").DeviceID)

	_, err = ParseConnectionString("SharedAccessKey=abc")
	assert.Error(t, err)
	_, err = ParseConnectionString("HostName")
	assert.Error(t, err)
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "nats://hub.example.com", endpointURL("hub.example.com"))
	assert.Equal(t, "tls://hub.example.com:4443", endpointURL("tls://hub.example.com:4443"))
}

func TestMessageProperty(t *testing.T) {
	m := Message{Properties: map[string]string{"Method-Name": "reboot", "port": "5"}}

	v, ok := m.Property("method-name")
	assert.True(t, ok)
	assert.Equal(t, "reboot", v)

	v, ok = m.Property("port")
	assert.True(t, ok)
	assert.Equal(t, "5", v)

	_, ok = m.Property("queue")
	assert.False(t, ok)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "devices.dev-1.messages.events", EventsSubject("dev-1"))
	assert.Equal(t, "devices.dev-1.messages.devicebound", DeviceBoundSubject("dev-1"))
	assert.Equal(t, "devices.dev-1.methods.*", MethodsSubject("dev-1"))
}

func TestMethodNotFound(t *testing.T) {
	var resp MethodResponse
	require.NoError(t, json.Unmarshal(MethodNotFound("reboot"), &resp))
	assert.Equal(t, 404, resp.Status)
}

type fakeSettler struct {
	acked, naked, termed int
	delays               []time.Duration
}

func (f *fakeSettler) Ack() error  { f.acked++; return nil }
func (f *fakeSettler) Nak() error  { f.naked++; return nil }
func (f *fakeSettler) Term() error { f.termed++; return errors.New("term failed") }

func (f *fakeSettler) NakWithDelay(d time.Duration) error {
	f.delays = append(f.delays, d)
	return nil
}

func TestLockTableTakeOnce(t *testing.T) {
	lt := newLockTable()
	msg := &fakeSettler{}
	lt.add("tok", msg, time.Minute)

	got, err := lt.take("tok")
	require.NoError(t, err)
	require.NoError(t, got.Ack())
	assert.Equal(t, 1, msg.acked)

	_, err = lt.take("tok")
	assert.ErrorIs(t, err, ErrLockLost)
}

func TestLockTableExpiry(t *testing.T) {
	now := time.Now()
	lt := newLockTable()
	lt.now = func() time.Time { return now }

	lt.add("old", &fakeSettler{}, time.Second)
	lt.add("fresh", &fakeSettler{}, time.Hour)

	now = now.Add(2 * time.Second)

	_, err := lt.take("old")
	assert.ErrorIs(t, err, ErrLockLost)

	lt.add("old2", &fakeSettler{}, time.Second)
	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, lt.prune())
	assert.Equal(t, 1, lt.len())
}

func TestSessionSettleRoutesToSettler(t *testing.T) {
	msg := &fakeSettler{}
	s := &natsSession{deviceID: "dev-1", locks: newLockTable()}

	s.locks.add("a", msg, time.Minute)
	require.NoError(t, s.Complete(context.Background(), "a"))

	s.locks.add("b", msg, time.Minute)
	require.NoError(t, s.Abandon(context.Background(), "b"))

	s.locks.add("c", msg, time.Minute)
	assert.Error(t, s.Reject(context.Background(), "c"))

	assert.Equal(t, 1, msg.acked)
	assert.Equal(t, 1, msg.naked)
	assert.Equal(t, 1, msg.termed)

	assert.ErrorIs(t, s.Complete(context.Background(), "a"), ErrLockLost)

	s.closed = true
	assert.ErrorIs(t, s.Complete(context.Background(), "b"), ErrSessionClosed)
}

func TestAbandonDelaysRedelivery(t *testing.T) {
	msg := &fakeSettler{}
	s := &natsSession{deviceID: "dev-1", locks: newLockTable(), nakDelay: 5 * time.Second}

	s.locks.add("a", msg, time.Minute)
	require.NoError(t, s.Abandon(context.Background(), "a"))

	assert.Equal(t, 0, msg.naked)
	assert.Equal(t, []time.Duration{5 * time.Second}, msg.delays)
}

func TestConsumerDeletedReportsLostOnce(t *testing.T) {
	lost := make(chan string, 2)
	s := &natsSession{
		deviceID: "dev-1",
		locks:    newLockTable(),
		onLost:   func(deviceID string, _ error) { lost <- deviceID },
	}

	s.onConsumeError(nil, errors.New("heartbeat missed"))
	s.onConsumeError(nil, jetstream.ErrConsumerDeleted)
	s.onConsumeError(nil, jetstream.ErrConsumerNotFound)

	select {
	case id := <-lost:
		assert.Equal(t, "dev-1", id)
	case <-time.After(time.Second):
		t.Fatal("session loss not reported")
	}
	select {
	case <-lost:
		t.Fatal("session loss reported twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClosedSessionIsNotReportedLost(t *testing.T) {
	lost := make(chan string, 1)
	s := &natsSession{
		deviceID: "dev-1",
		locks:    newLockTable(),
		onLost:   func(deviceID string, _ error) { lost <- deviceID },
	}
	s.markClosed()

	s.lost(errors.New("connection closed"))

	select {
	case <-lost:
		t.Fatal("closed session reported lost")
	case <-time.After(20 * time.Millisecond):
	}
}
