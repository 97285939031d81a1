package provisioning_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/thingsim/core/logger"
	"github.com/relabs-tech/thingsim/iot"
	"github.com/relabs-tech/thingsim/iot/credentials"
	"github.com/relabs-tech/thingsim/iot/provisioning"
	"github.com/relabs-tech/thingsim/iot/provisioning/registry"
)

func testIdentity(t *testing.T, authority *credentials.Authority, registrationID string) *credentials.Identity {
	t.Helper()
	cert, key, err := authority.IssueDeviceCertificate(registrationID)
	if err != nil {
		t.Fatal(err)
	}
	return &credentials.Identity{
		Certificate: tls.Certificate{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		},
		Leaf:           cert,
		Thumbprint:     credentials.Thumbprint(cert),
		Subject:        cert.Subject.String(),
		RegistrationID: registrationID,
	}
}

func newTestRegistry(t *testing.T, authority *credentials.Authority) (*registry.Service, *provisioning.Client) {
	t.Helper()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	service := registry.MustNewService(&registry.Builder{
		Router:      router,
		ScopeID:     "scope-1",
		AssignedHub: "hub.example.net",
	})

	server := httptest.NewUnstartedServer(router)
	server.TLS = &tls.Config{
		ClientCAs:  authority.CertPool(),
		ClientAuth: tls.VerifyClientCertIfGiven,
	}
	server.StartTLS()
	t.Cleanup(server.Close)

	serverPool := x509.NewCertPool()
	serverPool.AddCert(server.Certificate())
	client := provisioning.MustNewClient(&provisioning.Builder{
		Endpoint:     server.URL,
		ScopeID:      "scope-1",
		PollInterval: 10 * time.Millisecond,
		TLSConfig:    &tls.Config{RootCAs: serverPool},
	})
	return service, client
}

func TestRegisterAssigned(t *testing.T) {
	authority := credentials.MustNewAuthority()
	service, client := newTestRegistry(t, authority)
	deviceID := service.Enroll("thing-1")

	result, err := client.Register(context.Background(), testIdentity(t, authority, "thing-1"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != provisioning.StatusAssigned {
		t.Fatalf("expecting status %q, got %q", provisioning.StatusAssigned, result.Status)
	}
	if result.AssignedHub != "hub.example.net" {
		t.Fatalf("expecting hub %q, got %q", "hub.example.net", result.AssignedHub)
	}
	if result.DeviceID != deviceID {
		t.Fatalf("expecting device ID %q, got %q", deviceID, result.DeviceID)
	}
}

func TestRegisterDisabled(t *testing.T) {
	authority := credentials.MustNewAuthority()
	service, client := newTestRegistry(t, authority)
	service.Disable("thing-1")

	_, err := client.Register(context.Background(), testIdentity(t, authority, "thing-1"))
	var provErr *provisioning.Error
	if !errors.As(err, &provErr) {
		t.Fatalf("expecting provisioning error, got %v", err)
	}
	if provErr.Status != provisioning.StatusDisabled {
		t.Fatalf("expecting status %q, got %q", provisioning.StatusDisabled, provErr.Status)
	}
}

func TestRegisterFailed(t *testing.T) {
	authority := credentials.MustNewAuthority()
	service, client := newTestRegistry(t, authority)
	service.Fail("thing-1")

	_, err := client.Register(context.Background(), testIdentity(t, authority, "thing-1"))
	var provErr *provisioning.Error
	if !errors.As(err, &provErr) {
		t.Fatalf("expecting provisioning error, got %v", err)
	}
	if provErr.Status != provisioning.StatusFailed {
		t.Fatalf("expecting status %q, got %q", provisioning.StatusFailed, provErr.Status)
	}
}

func TestRegisterUnassigned(t *testing.T) {
	authority := credentials.MustNewAuthority()
	_, client := newTestRegistry(t, authority)

	_, err := client.Register(context.Background(), testIdentity(t, authority, "thing-unknown"))
	var provErr *provisioning.Error
	if !errors.As(err, &provErr) {
		t.Fatalf("expecting provisioning error, got %v", err)
	}
	if provErr.Status != provisioning.StatusUnassigned {
		t.Fatalf("expecting status %q, got %q", provisioning.StatusUnassigned, provErr.Status)
	}
}

func TestRegisterUnknownScope(t *testing.T) {
	authority := credentials.MustNewAuthority()
	service, _ := newTestRegistry(t, authority)
	service.Enroll("thing-1")

	// a second client with the wrong scope against the same registry
	router := mux.NewRouter()
	registry.MustNewService(&registry.Builder{
		Router:      router,
		ScopeID:     "scope-1",
		AssignedHub: "hub.example.net",
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := provisioning.MustNewClient(&provisioning.Builder{
		Endpoint:     server.URL,
		ScopeID:      "scope-2",
		PollInterval: 10 * time.Millisecond,
	})
	_, err := client.Register(context.Background(), testIdentity(t, authority, "thing-1"))
	var transportErr *iot.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expecting transport error, got %v", err)
	}
}

func TestRegisterUnreachableEndpoint(t *testing.T) {
	authority := credentials.MustNewAuthority()
	client := provisioning.MustNewClient(&provisioning.Builder{
		Endpoint:     "https://127.0.0.1:1",
		ScopeID:      "scope-1",
		PollInterval: 10 * time.Millisecond,
	})

	_, err := client.Register(context.Background(), testIdentity(t, authority, "thing-1"))
	var transportErr *iot.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expecting transport error, got %v", err)
	}
}

func TestRegisterRequiresClientCertificate(t *testing.T) {
	authority := credentials.MustNewAuthority()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	service := registry.MustNewService(&registry.Builder{
		Router:      router,
		ScopeID:     "scope-1",
		AssignedHub: "hub.example.net",
	})
	service.Enroll("thing-1")

	server := httptest.NewUnstartedServer(router)
	server.TLS = &tls.Config{
		ClientCAs:  authority.CertPool(),
		ClientAuth: tls.VerifyClientCertIfGiven,
	}
	server.StartTLS()
	defer server.Close()

	// a caller that trusts the server but presents no certificate of its own
	serverPool := x509.NewCertPool()
	serverPool.AddCert(server.Certificate())
	httpClient := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: serverPool}},
	}

	req, err := http.NewRequest(http.MethodPut,
		server.URL+"/scope-1/registrations/thing-1/register",
		strings.NewReader(`{"registrationId":"thing-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expecting status %d, got %d", http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestRegisterCancelled(t *testing.T) {
	authority := credentials.MustNewAuthority()
	service, client := newTestRegistry(t, authority)
	service.Enroll("thing-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Register(ctx, testIdentity(t, authority, "thing-1"))
	if err == nil {
		t.Fatal("expecting an error for a cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expecting a wrapped context.Canceled, got %v", err)
	}
}
