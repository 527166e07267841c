// Package bus manages the per-application MQTT sessions with the network server.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const qosAtLeastOnce byte = 1

// ErrNotConnected is returned when publishing on a disconnected session
var ErrNotConnected = errors.New("bus session not connected")

// Handler receives bus messages. It is called concurrently and must not block.
type Handler func(topic string, payload []byte)

// Options configures a tenant session
type Options struct {
	Server             string
	ClientID           string
	Username           string
	Password           string
	TLS                bool
	InsecureSkipVerify bool
	ReconnectDelay     time.Duration
	PublishTimeout     time.Duration
	Topics             []string
}

// Session is the MQTT connection of one application
type Session struct {
	applicationID string
	opts          Options
	handler       Handler
	client        mqtt.Client

	ctx    context.Context
	cancel context.CancelFunc

	reconnecting atomic.Bool
	reconnects   atomic.Int64
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

// newClient is swapped in tests
var newClient = mqtt.NewClient

// NewSession creates a session. It does not connect.
func NewSession(applicationID string, opts Options, handler Handler) *Session {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	if opts.ClientID == "" {
		opts.ClientID = "lorawan-cloud-bridge-" + uuid.NewString()[:8]
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		applicationID: applicationID,
		opts:          opts,
		handler:       handler,
		ctx:           ctx,
		cancel:        cancel,
	}
	s.client = newClient(s.clientOptions())
	return s
}

func (s *Session) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.opts.Server)
	opts.SetClientID(s.opts.ClientID)
	opts.SetUsername(s.opts.Username)
	opts.SetPassword(s.opts.Password)

	if s.opts.TLS {
		opts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		})
	}

	// reconnection is driven by reconnectLoop with a fixed delay
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	return opts
}

// ApplicationID returns the MQTT application id of the session
func (s *Session) ApplicationID() string {
	return s.applicationID
}

// IsConnected reports the connection state
func (s *Session) IsConnected() bool {
	return s.client.IsConnected()
}

// Reconnects returns how many reconnect attempts were made
func (s *Session) Reconnects() int64 {
	return s.reconnects.Load()
}

// Connect connects and subscribes. On failure the error is returned and a background
// loop keeps retrying with the reconnect delay.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		log.Error().Err(err).Str("applicationID", s.applicationID).Msg("Bus connection failed, retrying in background")
		s.startReconnect()
		return err
	}
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	token := s.client.Connect()
	if err := waitToken(ctx, token, 15*time.Second); err != nil {
		return fmt.Errorf("connect %s: %w", s.opts.Server, err)
	}
	return nil
}

func (s *Session) onConnect(client mqtt.Client) {
	log.Info().Str("applicationID", s.applicationID).Str("server", s.opts.Server).Msg("Bus connected")

	if len(s.opts.Topics) == 0 {
		return
	}

	filters := make(map[string]byte, len(s.opts.Topics))
	for _, t := range s.opts.Topics {
		filters[t] = qosAtLeastOnce
	}

	token := client.SubscribeMultiple(filters, s.onMessage)
	go func() {
		if err := waitToken(s.ctx, token, 15*time.Second); err != nil {
			log.Error().Err(err).Str("applicationID", s.applicationID).Msg("Bus subscribe failed")
			return
		}
		log.Info().Str("applicationID", s.applicationID).Strs("topics", s.opts.Topics).Msg("Bus subscribed")
	}()
}

func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.handler(msg.Topic(), msg.Payload())
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	log.Warn().Err(err).Str("applicationID", s.applicationID).Dur("delay", s.opts.ReconnectDelay).Msg("Bus connection lost")
	s.startReconnect()
}

func (s *Session) startReconnect() {
	if s.ctx.Err() != nil {
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.reconnectLoop()
}

// reconnectLoop retries forever with a fixed delay until connected or closed
func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.reconnecting.Store(false)
			return
		case <-time.After(s.opts.ReconnectDelay):
		}

		s.reconnects.Add(1)
		if err := s.connect(s.ctx); err != nil {
			log.Error().Err(err).Str("applicationID", s.applicationID).Msg("Bus reconnect failed")
			continue
		}

		s.reconnecting.Store(false)
		// a loss reported while the flag was still set found no loop to start; take it over here
		if s.client.IsConnected() || !s.reconnecting.CompareAndSwap(false, true) {
			return
		}
		log.Warn().Str("applicationID", s.applicationID).Msg("Bus connection dropped right after reconnect")
	}
}

// Publish publishes with at-least-once QoS and waits for the broker acknowledgement
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}

	token := s.client.Publish(topic, qosAtLeastOnce, false, payload)
	if err := waitToken(ctx, token, s.opts.PublishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close stops reconnecting and disconnects
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.client.IsConnected() {
			s.client.Disconnect(250)
		}
		s.wg.Wait()
		log.Info().Str("applicationID", s.applicationID).Msg("Bus session closed")
	})
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}
