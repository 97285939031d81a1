/*Package session implements the authenticated MQTT session to the hub

A session is opened with the hub endpoint and device ID the provisioning
handshake assigned, authenticating with the thing's certificate identity.
It is either fully open and usable for publishing, or closed. The state
machine is

	Created -> Opening -> Open -> Closing -> Closed

with Opening -> Failed and Open -> Failed on unrecoverable transport
errors. There is no way back from Closed or Failed; recovering means
provisioning and opening a fresh session.
*/
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/relabs-tech/thingsim/core/logger"
	"github.com/relabs-tech/thingsim/iot"
	"github.com/relabs-tech/thingsim/iot/credentials"
)

// State is the lifecycle state of a Session.
type State int

// The session states.
const (
	StateCreated State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// AuthenticationError reports that the hub rejected the thing's certificate
// identity.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return "hub rejected the device identity: " + e.Err.Error()
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// PublishError reports a failed send on an open session. The caller decides
// whether to continue or abort; the session does not retry.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string {
	return "publish failed: " + e.Err.Error()
}

func (e *PublishError) Unwrap() error { return e.Err }

// SessionClosedError reports a publish attempt on a session that is no
// longer open.
type SessionClosedError struct{}

func (e *SessionClosedError) Error() string {
	return "session is closed"
}

// Manager opens authenticated sessions to assigned hubs.
type Manager struct {
	tlsConfig      *tls.Config
	port           int
	connectTimeout time.Duration
	publishTimeout time.Duration
}

// Builder is a builder helper for the Manager
type Builder struct {
	// TLSConfig is an optional base TLS configuration, e.g. to trust a
	// private certificate authority. The identity's client certificate
	// is added on top.
	TLSConfig *tls.Config
	// Port is the MQTT over TLS port of the hub. The default is 8883.
	Port int
	// ConnectTimeout bounds the session open. The default is 10 seconds.
	ConnectTimeout time.Duration
	// PublishTimeout bounds a single publish. The default is 10 seconds.
	PublishTimeout time.Duration
}

// MustNewManager returns a new session manager. A nil builder yields the
// defaults.
func MustNewManager(b *Builder) *Manager {
	if b == nil {
		b = &Builder{}
	}
	port := b.Port
	if port == 0 {
		port = 8883
	}
	connectTimeout := b.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	publishTimeout := b.PublishTimeout
	if publishTimeout == 0 {
		publishTimeout = 10 * time.Second
	}
	return &Manager{
		tlsConfig:      b.TLSConfig,
		port:           port,
		connectTimeout: connectTimeout,
		publishTimeout: publishTimeout,
	}
}

// Open connects to the assigned hub, authenticating with the identity's
// certificate. The MQTT client ID is the device ID; the hub requires it to
// match the certificate common name. On failure the session ends up in the
// Failed state and an AuthenticationError or iot.TransportError is
// returned.
func (m *Manager) Open(ctx context.Context, assignedHub, deviceID string, identity *credentials.Identity) (*Session, error) {
	tlsConfig := &tls.Config{}
	if m.tlsConfig != nil {
		tlsConfig = m.tlsConfig.Clone()
	}
	tlsConfig.Certificates = append(tlsConfig.Certificates, identity.Certificate)

	broker := fmt.Sprintf("tls://%s:%d", assignedHub, m.port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(deviceID).
		SetTLSConfig(tlsConfig).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(m.connectTimeout)

	s := &Session{
		state:          StateOpening,
		client:         mqtt.NewClient(opts),
		deviceID:       deviceID,
		publishTimeout: m.publishTimeout,
	}

	rlog := logger.Default().WithField("deviceID", deviceID)
	rlog.Infof("opening session to %s", assignedHub)

	token := s.client.Connect()
	select {
	case <-ctx.Done():
		s.client.Disconnect(0)
		s.setState(StateFailed)
		return nil, &iot.TransportError{Op: "session open", Err: ctx.Err()}
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		s.setState(StateFailed)
		if isAuthenticationError(err) {
			return nil, &AuthenticationError{Err: err}
		}
		return nil, &iot.TransportError{Op: "session open", Err: err}
	}

	s.setState(StateOpen)
	rlog.Info("session open")
	return s, nil
}

func isAuthenticationError(err error) bool {
	if errors.Is(err, packets.ErrorRefusedNotAuthorised) ||
		errors.Is(err, packets.ErrorRefusedIDRejected) ||
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) {
		return true
	}
	// TLS alerts for a rejected client certificate
	message := err.Error()
	return strings.Contains(message, "bad certificate") ||
		strings.Contains(message, "certificate required") ||
		strings.Contains(message, "unknown certificate authority")
}

// Session is an open, authenticated connection to the assigned hub.
// Publish is safe to call from multiple goroutines.
type Session struct {
	mutex          sync.Mutex
	state          State
	client         mqtt.Client
	deviceID       string
	publishTimeout time.Duration
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mutex.Lock()
	s.state = state
	s.mutex.Unlock()
}

// Publish sends one message with quality of service level 1. It fails with
// SessionClosedError if the session is not open anymore, and with
// PublishError if the transport rejects the send. Fire and forget beyond
// the send itself: there is no retry.
func (s *Session) Publish(message iot.OutboundMessage) error {
	s.mutex.Lock()
	state := s.state
	client := s.client
	s.mutex.Unlock()

	switch state {
	case StateOpen:
	case StateClosing, StateClosed:
		return &SessionClosedError{}
	default:
		return &PublishError{Err: fmt.Errorf("session is %s", state)}
	}

	topic := iot.EventsTopic(s.deviceID, message.SensorType)
	token := client.Publish(topic, 1, false, message.Payload)
	if !token.WaitTimeout(s.publishTimeout) {
		return &PublishError{Err: fmt.Errorf("timeout after %s", s.publishTimeout)}
	}
	if err := token.Error(); err != nil {
		if !client.IsConnected() {
			s.fail()
		}
		return &PublishError{Err: err}
	}
	logger.Default().WithField("deviceID", s.deviceID).
		Debugf("sent %s message (%d bytes)", message.SensorType, len(message.Payload))
	return nil
}

// the connection is gone, Open is not reachable again from here
func (s *Session) fail() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state == StateOpen {
		s.state = StateFailed
	}
}

// Close releases the network connection. It is safe to call more than
// once; publishing afterwards fails with SessionClosedError.
func (s *Session) Close() error {
	s.mutex.Lock()
	if s.state == StateClosed {
		s.mutex.Unlock()
		return nil
	}
	s.state = StateClosing
	client := s.client
	s.mutex.Unlock()

	client.Disconnect(250)

	s.setState(StateClosed)
	logger.Default().WithField("deviceID", s.deviceID).Info("session closed")
	return nil
}
