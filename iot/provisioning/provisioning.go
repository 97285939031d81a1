package provisioning

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/thingsim/core/logger"
	"github.com/relabs-tech/thingsim/iot"
	"github.com/relabs-tech/thingsim/iot/credentials"
)

// GlobalEndpoint is the default address of the provisioning service.
const GlobalEndpoint = "https://global.azure-devices-provisioning.net"

// Status is the outcome of a registration attempt.
type Status string

// The provisioning statuses. StatusAssigning is the only non-terminal one.
const (
	StatusAssigning  Status = "assigning"
	StatusAssigned   Status = "assigned"
	StatusFailed     Status = "failed"
	StatusDisabled   Status = "disabled"
	StatusUnassigned Status = "unassigned"
)

// Result is the outcome of a successful registration. AssignedHub and
// DeviceID are set if and only if the status is StatusAssigned.
type Result struct {
	Status      Status
	AssignedHub string
	DeviceID    string
}

// Error reports a handshake that completed with a terminal status other
// than "assigned". It is fatal for the caller; this package never retries.
type Error struct {
	Status Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("provisioning ended with status %q", e.Status)
}

// RegistrationRequest is the body of the registration PUT.
type RegistrationRequest struct {
	RegistrationID string `json:"registrationId"`
}

// Operation is the service's answer to a registration request or an
// operation poll.
type Operation struct {
	OperationID       string             `json:"operationId"`
	Status            Status             `json:"status"`
	RegistrationState *RegistrationState `json:"registrationState,omitempty"`
}

// RegistrationState carries the assignment of a registered thing.
type RegistrationState struct {
	AssignedHub string `json:"assignedHub"`
	DeviceID    string `json:"deviceId"`
}

// Client performs the registration handshake for one tenant scope.
type Client struct {
	endpoint     string
	scopeID      string
	pollInterval time.Duration
	tlsConfig    *tls.Config
}

// Builder is a builder helper for the Client
type Builder struct {
	// Endpoint is the address of the provisioning service. The default
	// is GlobalEndpoint.
	Endpoint string
	// ScopeID is the provisioning tenant scope. This is mandatory.
	ScopeID string
	// PollInterval is the delay between operation polls while the
	// assignment is pending. The default is 2 seconds.
	PollInterval time.Duration
	// TLSConfig is an optional base TLS configuration, e.g. to trust a
	// private certificate authority. The identity's client certificate
	// is added on top.
	TLSConfig *tls.Config
}

// MustNewClient returns a new provisioning client.
func MustNewClient(b *Builder) *Client {
	if len(b.ScopeID) == 0 {
		panic("scope ID is missing")
	}

	endpoint := b.Endpoint
	if len(endpoint) == 0 {
		endpoint = GlobalEndpoint
	}
	pollInterval := b.PollInterval
	if pollInterval == 0 {
		pollInterval = 2 * time.Second
	}

	return &Client{
		endpoint:     endpoint,
		scopeID:      b.ScopeID,
		pollInterval: pollInterval,
		tlsConfig:    b.TLSConfig,
	}
}

// Register performs exactly one registration attempt with the given
// identity. It blocks for the duration of the handshake, polling the
// operation until the service reports a terminal status, and honors ctx
// cancellation between round trips.
func (c *Client) Register(ctx context.Context, identity *credentials.Identity) (*Result, error) {
	tlsConfig := &tls.Config{}
	if c.tlsConfig != nil {
		tlsConfig = c.tlsConfig.Clone()
	}
	tlsConfig.Certificates = append(tlsConfig.Certificates, identity.Certificate)
	httpClient := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
	defer httpClient.CloseIdleConnections()

	rlog := logger.Default().WithField("registrationID", identity.RegistrationID)
	rlog.Infof("registering with scope %s at %s", c.scopeID, c.endpoint)

	body, err := json.Marshal(RegistrationRequest{RegistrationID: identity.RegistrationID})
	if err != nil {
		return nil, &iot.TransportError{Op: "registration", Err: err}
	}
	url := fmt.Sprintf("%s/%s/registrations/%s/register", c.endpoint, c.scopeID, identity.RegistrationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, &iot.TransportError{Op: "registration", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &iot.TransportError{Op: "registration", Err: err}
	}
	op, err := decodeOperation(resp)
	if err != nil {
		return nil, err
	}

	for op.Status == StatusAssigning {
		rlog.Info("assignment pending")
		select {
		case <-ctx.Done():
			return nil, &iot.TransportError{Op: "registration", Err: ctx.Err()}
		case <-time.After(c.pollInterval):
		}

		url := fmt.Sprintf("%s/%s/operations/%s", c.endpoint, c.scopeID, op.OperationID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, &iot.TransportError{Op: "registration", Err: err}
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, &iot.TransportError{Op: "registration", Err: err}
		}
		op, err = decodeOperation(resp)
		if err != nil {
			return nil, err
		}
	}

	if op.Status != StatusAssigned {
		return nil, &Error{Status: op.Status}
	}
	if op.RegistrationState == nil {
		return nil, &iot.TransportError{Op: "registration",
			Err: fmt.Errorf("assigned operation without registration state")}
	}

	rlog.Infof("assigned to hub %s as device %s",
		op.RegistrationState.AssignedHub, op.RegistrationState.DeviceID)
	return &Result{
		Status:      StatusAssigned,
		AssignedHub: op.RegistrationState.AssignedHub,
		DeviceID:    op.RegistrationState.DeviceID,
	}, nil
}

func decodeOperation(resp *http.Response) (*Operation, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, &iot.TransportError{Op: "registration",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	var op Operation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil, &iot.TransportError{Op: "registration", Err: err}
	}
	return &op, nil
}
