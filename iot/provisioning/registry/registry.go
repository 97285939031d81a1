package registry

import (
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/thingsim/core/logger"
	"github.com/relabs-tech/thingsim/iot/provisioning"
)

// Service is the provisioning registry of the local development harness.
// It keeps an in-memory device table keyed by registration ID and answers
// the registration handshake the way the real provisioning service does:
// the registration request is accepted with an operation ID, and the first
// operation poll still reports "assigning" before the terminal status.
type Service struct {
	scopeID     string
	assignedHub string

	mutex      sync.Mutex
	devices    map[string]*device
	operations map[string]*operation
}

// Builder is a builder helper for the Service
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// ScopeID is the tenant scope served by this registry. This is
	// mandatory; registrations under any other scope are rejected.
	ScopeID string
	// AssignedHub is the hub endpoint assigned to enrolled things.
	// This is mandatory.
	AssignedHub string
}

type device struct {
	deviceID string
	enabled  bool
	failing  bool
}

type operation struct {
	registrationID string
	polled         bool
}

// MustNewService realizes the registry. It adds the registration and
// operation routes to the router.
func MustNewService(b *Builder) *Service {
	if b.Router == nil {
		panic("Router is missing")
	}
	if len(b.ScopeID) == 0 {
		panic("scope ID is missing")
	}
	if len(b.AssignedHub) == 0 {
		panic("assigned hub is missing")
	}

	s := &Service{
		scopeID:     b.ScopeID,
		assignedHub: b.AssignedHub,
		devices:     make(map[string]*device),
		operations:  make(map[string]*operation),
	}
	s.handleRoutes(b.Router)
	return s
}

// Enroll adds the registration ID to the device table and returns the
// device ID an assignment will carry. Enrolling twice is idempotent.
func (s *Service) Enroll(registrationID string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if d, ok := s.devices[registrationID]; ok {
		d.enabled = true
		return d.deviceID
	}
	d := &device{deviceID: uuid.New().String(), enabled: true}
	s.devices[registrationID] = d
	return d.deviceID
}

// EnrollAs is like Enroll but with a caller-chosen device ID.
func (s *Service) EnrollAs(registrationID, deviceID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.devices[registrationID] = &device{deviceID: deviceID, enabled: true}
}

// Disable withdraws the enrollment. The thing remains known but any
// registration attempt ends with the "disabled" status.
func (s *Service) Disable(registrationID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if d, ok := s.devices[registrationID]; ok {
		d.enabled = false
		return
	}
	s.devices[registrationID] = &device{deviceID: uuid.New().String(), enabled: false}
}

// Fail makes every registration attempt of the thing end with the
// "failed" status, the way the real service reports an allocation error.
func (s *Service) Fail(registrationID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if d, ok := s.devices[registrationID]; ok {
		d.failing = true
		return
	}
	s.devices[registrationID] = &device{deviceID: uuid.New().String(), enabled: true, failing: true}
}

func (s *Service) handleRoutes(router *mux.Router) {
	logger.Default().Info("provisioning registry: handle route /{scope_id}/registrations/{registration_id}/register PUT")
	logger.Default().Info("provisioning registry: handle route /{scope_id}/operations/{operation_id} GET")

	router.HandleFunc("/{scope_id}/registrations/{registration_id}/register", s.register).
		Methods(http.MethodOptions, http.MethodPut)
	router.HandleFunc("/{scope_id}/operations/{operation_id}", s.operationStatus).
		Methods(http.MethodOptions, http.MethodGet)
}

func (s *Service) register(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	params := mux.Vars(r)
	registrationID := params["registration_id"]

	if params["scope_id"] != s.scopeID {
		http.Error(w, "unknown scope", http.StatusUnauthorized)
		return
	}

	// a thing can only register as the identity its certificate vouches for
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		rlog.Info("registration denied, no client certificate")
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}
	commonName := r.TLS.PeerCertificates[0].Subject.CommonName
	if commonName != registrationID {
		rlog.Infof("registration denied, certificate is for %q", commonName)
		http.Error(w, "certificate does not match registration ID", http.StatusUnauthorized)
		return
	}

	var request provisioning.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.RegistrationID != registrationID {
		http.Error(w, "malformed registration request", http.StatusBadRequest)
		return
	}

	op := &operation{registrationID: registrationID}
	operationID := uuid.New().String()
	s.mutex.Lock()
	s.operations[operationID] = op
	s.mutex.Unlock()

	rlog.Infof("registration request from %s, operation %s", registrationID, operationID)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(provisioning.Operation{
		OperationID: operationID,
		Status:      provisioning.StatusAssigning,
	})
}

func (s *Service) operationStatus(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	params := mux.Vars(r)

	if params["scope_id"] != s.scopeID {
		http.Error(w, "unknown scope", http.StatusUnauthorized)
		return
	}

	operationID := params["operation_id"]
	s.mutex.Lock()
	op, ok := s.operations[operationID]
	if ok && !op.polled {
		// the real service assigns asynchronously, keep the first poll pending
		op.polled = true
		s.mutex.Unlock()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(provisioning.Operation{
			OperationID: operationID,
			Status:      provisioning.StatusAssigning,
		})
		return
	}
	var d *device
	if ok {
		d = s.devices[op.registrationID]
	}
	s.mutex.Unlock()

	if !ok {
		http.Error(w, "unknown operation", http.StatusNotFound)
		return
	}

	response := provisioning.Operation{OperationID: operationID}
	switch {
	case d == nil:
		response.Status = provisioning.StatusUnassigned
	case d.failing:
		response.Status = provisioning.StatusFailed
	case !d.enabled:
		response.Status = provisioning.StatusDisabled
	default:
		response.Status = provisioning.StatusAssigned
		response.RegistrationState = &provisioning.RegistrationState{
			AssignedHub: s.assignedHub,
			DeviceID:    d.deviceID,
		}
	}
	rlog.Infof("operation %s for %s: %s", operationID, op.registrationID, response.Status)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(response)
}
