/*Package thing orchestrates the life of the simulated device

The simulator runs the whole device lifecycle in order: load the
certificate identity from the credential bundle, register with the
provisioning service, open the MQTT session to the assigned hub, then
stream telemetry and log events until the context is cancelled or a send
fails, and finally close the session. Any failure before the session
exists aborts the run; nothing is retried.
*/
package thing

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/relabs-tech/thingsim/core/logger"
	"github.com/relabs-tech/thingsim/iot"
	"github.com/relabs-tech/thingsim/iot/credentials"
	"github.com/relabs-tech/thingsim/iot/provisioning"
	"github.com/relabs-tech/thingsim/iot/sensor"
	"github.com/relabs-tech/thingsim/iot/session"
	"github.com/relabs-tech/thingsim/iot/telemetry"
)

// Session is what the simulator needs from an open session: publishing
// and an orderly close.
type Session interface {
	iot.Publisher
	Close() error
}

// Provisioner performs the registration handshake.
type Provisioner interface {
	Register(ctx context.Context, identity *credentials.Identity) (*provisioning.Result, error)
}

// Opener builds the authenticated session to the assigned hub.
type Opener interface {
	Open(ctx context.Context, assignedHub, deviceID string, identity *credentials.Identity) (Session, error)
}

// Simulator is the orchestrator of the simulated device.
type Simulator struct {
	bundleFile     string
	bundlePassword string
	provisioner    Provisioner
	opener         Opener
	source         *sensor.Source
	sendInterval   time.Duration
}

// Builder is a builder helper for the Simulator
type Builder struct {
	// BundleFile is the path to the PKCS#12 credential bundle. This is
	// mandatory.
	BundleFile string
	// BundlePassword decrypts the credential bundle.
	BundlePassword string
	// ScopeID is the provisioning tenant scope. Mandatory unless a
	// Provisioner is provided.
	ScopeID string
	// ProvisioningEndpoint is the address of the provisioning service.
	// The default is provisioning.GlobalEndpoint.
	ProvisioningEndpoint string
	// TLSConfig is an optional base TLS configuration for both the
	// provisioning handshake and the session, e.g. to trust a private
	// certificate authority.
	TLSConfig *tls.Config
	// SendInterval is the delay between two sends of one publish loop.
	// The default is 1 second.
	SendInterval time.Duration
	// Provisioner replaces the provisioning client, for tests.
	Provisioner Provisioner
	// Opener replaces the session manager, for tests.
	Opener Opener
}

// MustNewSimulator returns a new simulator.
func MustNewSimulator(b *Builder) *Simulator {
	if len(b.BundleFile) == 0 {
		panic("bundle file is missing")
	}

	provisioner := b.Provisioner
	if provisioner == nil {
		provisioner = provisioning.MustNewClient(&provisioning.Builder{
			Endpoint:  b.ProvisioningEndpoint,
			ScopeID:   b.ScopeID,
			TLSConfig: b.TLSConfig,
		})
	}
	opener := b.Opener
	if opener == nil {
		opener = managerOpener{session.MustNewManager(&session.Builder{
			TLSConfig: b.TLSConfig,
		})}
	}

	return &Simulator{
		bundleFile:     b.BundleFile,
		bundlePassword: b.BundlePassword,
		provisioner:    provisioner,
		opener:         opener,
		source:         sensor.NewSource(),
		sendInterval:   b.SendInterval,
	}
}

// managerOpener adapts the session manager to the Opener interface.
type managerOpener struct {
	manager *session.Manager
}

func (o managerOpener) Open(ctx context.Context, assignedHub, deviceID string, identity *credentials.Identity) (Session, error) {
	s, err := o.manager.Open(ctx, assignedHub, deviceID, identity)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Run executes the device lifecycle. It blocks until the context is
// cancelled or a fatal error occurs and returns nil only on the clean
// cancellation path. No session is ever created when identity load or
// registration fail; a failure inside the publish loops still closes the
// session before Run returns.
func (s *Simulator) Run(ctx context.Context) error {
	identity, err := credentials.Load(s.bundleFile, s.bundlePassword)
	if err != nil {
		return err
	}
	logger.Default().Infof("loaded identity %s (%s)", identity.Subject, identity.Thumbprint)

	result, err := s.provisioner.Register(ctx, identity)
	if err != nil {
		return err
	}

	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, result.DeviceID)
	rlog.Infof("assigned to hub %s", result.AssignedHub)

	sess, err := s.opener.Open(ctx, result.AssignedHub, result.DeviceID, identity)
	if err != nil {
		return err
	}

	publisher := telemetry.MustNewPublisher(&telemetry.Builder{
		Session:  sess,
		Source:   s.source,
		Interval: s.sendInterval,
	})
	runErr := publisher.Run(ctx)

	rlog.Info("shutting down")
	if closeErr := sess.Close(); runErr == nil {
		runErr = closeErr
	}
	return runErr
}
