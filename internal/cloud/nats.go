package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Header names carried on device-bound messages
const (
	headerMessageID = "Nats-Msg-Id"
)

// EventsSubject is where a device's telemetry is published
func EventsSubject(deviceID string) string {
	return "devices." + deviceID + ".messages.events"
}

// DeviceBoundSubject is where commands for a device are published
func DeviceBoundSubject(deviceID string) string {
	return "devices." + deviceID + ".messages.devicebound"
}

// MethodsSubject is the wildcard direct method subject of a device
func MethodsSubject(deviceID string) string {
	return "devices." + deviceID + ".methods.*"
}

// NATSDialer opens device sessions over NATS JetStream
type NATSDialer struct {
	// Stream holds the device-bound subjects
	Stream string
	// AckWait is the message lock duration
	AckWait time.Duration
	// NakDelay postpones the redelivery of abandoned messages
	NakDelay time.Duration
	Timeout  time.Duration
	// OnLost is called once, off the NATS callback goroutines, when a session stops
	// delivering for a reason other than Close
	OnLost func(deviceID string, err error)
}

// Dial connects to the assigned endpoint, starts the command consumer and the method
// responder
func (d *NATSDialer) Dial(ctx context.Context, creds Credentials, handler Handler) (Session, error) {
	if creds.DeviceID == "" {
		return nil, fmt.Errorf("dial: device id is required")
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ackWait := d.AckWait
	if ackWait <= 0 {
		ackWait = time.Minute
	}

	s := &natsSession{
		deviceID: creds.DeviceID,
		locks:    newLockTable(),
		ackWait:  ackWait,
		nakDelay: d.NakDelay,
		handler:  handler,
		onLost:   d.OnLost,
	}

	opts := []nats.Option{
		nats.Name("lorawan-cloud-bridge/" + creds.DeviceID),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("deviceID", creds.DeviceID).Msg("Cloud session disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Str("deviceID", creds.DeviceID).Msg("Cloud session reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			err := nc.LastError()
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			s.lost(err)
		}),
	}
	if creds.Key != "" {
		opts = append(opts, nats.UserInfo(creds.DeviceID, creds.Key))
	}

	nc, err := nats.Connect(endpointURL(creds.Endpoint), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", creds.Endpoint, err)
	}
	s.nc = nc

	if err := s.start(ctx, d.Stream); err != nil {
		s.markClosed()
		nc.Close()
		return nil, err
	}

	return s, nil
}

// endpointURL turns a bare host name into a NATS URL
func endpointURL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "nats://" + endpoint
}

type natsSession struct {
	deviceID string
	nc       *nats.Conn
	js       jetstream.JetStream
	consume  jetstream.ConsumeContext
	methods  *nats.Subscription
	locks    *lockTable
	ackWait  time.Duration
	nakDelay time.Duration
	handler  Handler
	onLost   func(deviceID string, err error)

	lostOnce  sync.Once
	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

func (s *natsSession) start(ctx context.Context, stream string) error {
	js, err := jetstream.New(s.nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	s.js = js

	cons, err := js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       "bridge-" + s.deviceID,
		FilterSubject: DeviceBoundSubject(s.deviceID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.ackWait,
	})
	if err != nil {
		return fmt.Errorf("create consumer on %s: %w", stream, err)
	}

	s.consume, err = cons.Consume(s.onMessage, jetstream.ConsumeErrHandler(s.onConsumeError))
	if err != nil {
		return fmt.Errorf("consume %s: %w", DeviceBoundSubject(s.deviceID), err)
	}

	s.methods, err = s.nc.Subscribe(MethodsSubject(s.deviceID), s.onMethod)
	if err != nil {
		s.consume.Stop()
		return fmt.Errorf("subscribe methods: %w", err)
	}

	return nil
}

func (s *natsSession) onMessage(msg jetstream.Msg) {
	token := uuid.NewString()
	s.locks.add(token, msg, s.ackWait)

	// lapsed locks are redelivered by the server; forget them here
	if n := s.locks.prune(); n > 0 {
		log.Debug().Int("lapsed", n).Str("deviceID", s.deviceID).Msg("Dropped lapsed message locks")
	}

	m := Message{
		LockToken:  token,
		Properties: make(map[string]string),
		Body:       msg.Data(),
	}
	for k, v := range msg.Headers() {
		if len(v) > 0 {
			m.Properties[k] = v[0]
		}
	}
	if id, ok := m.Properties[headerMessageID]; ok {
		m.MessageID = id
		delete(m.Properties, headerMessageID)
	} else if meta, err := msg.Metadata(); err == nil {
		m.MessageID = strconv.FormatUint(meta.Sequence.Stream, 10)
	}

	s.handler(m)
}

func (s *natsSession) onConsumeError(_ jetstream.ConsumeContext, err error) {
	if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, jetstream.ErrConsumerNotFound) {
		s.lost(err)
		return
	}
	log.Warn().Err(err).Str("deviceID", s.deviceID).Msg("Command consumer error")
}

// lost reports a session that will never deliver again. Sessions closed through
// Close are not reported.
func (s *natsSession) lost(err error) {
	if s.isClosed() {
		return
	}
	s.lostOnce.Do(func() {
		log.Error().Err(err).Str("deviceID", s.deviceID).Msg("Cloud session lost")
		if s.onLost != nil {
			go s.onLost(s.deviceID, err)
		}
	})
}

func (s *natsSession) onMethod(msg *nats.Msg) {
	name := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]

	log.Warn().
		Str("deviceID", s.deviceID).
		Str("method", name).
		Msg("Unhandled direct method")

	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(MethodNotFound(name)); err != nil {
		log.Error().Err(err).Str("deviceID", s.deviceID).Str("method", name).Msg("Failed to answer direct method")
	}
}

// MethodResponse is the reply to a direct method call
type MethodResponse struct {
	Status  int         `json:"status"`
	Payload interface{} `json:"payload,omitempty"`
}

// MethodNotFound builds the reply for a method nobody handles
func MethodNotFound(name string) []byte {
	data, _ := json.Marshal(MethodResponse{
		Status:  404,
		Payload: map[string]string{"message": "method " + name + " not implemented"},
	})
	return data
}

func (s *natsSession) DeviceID() string {
	return s.deviceID
}

func (s *natsSession) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *natsSession) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *natsSession) SendEvent(ctx context.Context, body []byte, properties map[string]string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	msg := nats.NewMsg(EventsSubject(s.deviceID))
	msg.Data = body
	for k, v := range properties {
		msg.Header.Set(k, v)
	}
	msg.Header.Set("Content-Type", "application/json")

	if _, err := s.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (s *natsSession) settle(lockToken string, op func(settler) error) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	msg, err := s.locks.take(lockToken)
	if err != nil {
		return err
	}
	return op(msg)
}

func (s *natsSession) Complete(_ context.Context, lockToken string) error {
	return s.settle(lockToken, settler.Ack)
}

func (s *natsSession) Abandon(_ context.Context, lockToken string) error {
	return s.settle(lockToken, func(msg settler) error {
		if s.nakDelay > 0 {
			return msg.NakWithDelay(s.nakDelay)
		}
		return msg.Nak()
	})
}

func (s *natsSession) Reject(_ context.Context, lockToken string) error {
	return s.settle(lockToken, settler.Term)
}

func (s *natsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.markClosed()

		if s.consume != nil {
			s.consume.Stop()
		}
		if s.methods != nil {
			if uerr := s.methods.Unsubscribe(); uerr != nil {
				err = fmt.Errorf("unsubscribe methods: %w", uerr)
			}
		}
		if derr := s.nc.Drain(); derr != nil && err == nil {
			err = fmt.Errorf("drain: %w", derr)
		}
	})
	return err
}
