package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/thingsim/core/logger"
	"github.com/relabs-tech/thingsim/iot/provisioning"
	"github.com/relabs-tech/thingsim/iot/thing"
)

// Service holds the configuration for this service
//
// use with
//
//	BUNDLE_FILE:           path to the PKCS#12 credential bundle
//	BUNDLE_PASSWORD:       password of the credential bundle
//	SCOPE_ID:              the provisioning tenant scope
//	PROVISIONING_ENDPOINT: address of the provisioning service (optional)
//	CA_CERT_FILE:          PEM certificate to trust for provisioning and hub (optional)
//	SEND_INTERVAL:         delay between telemetry messages (optional)
type Service struct {
	BundleFile     string        `env:"BUNDLE_FILE,required" description:"path to the PKCS#12 credential bundle"`
	BundlePassword string        `env:"BUNDLE_PASSWORD,required" description:"password of the credential bundle"`
	ScopeID        string        `env:"SCOPE_ID,required" description:"the provisioning tenant scope"`
	Endpoint       string        `env:"PROVISIONING_ENDPOINT,optional,default=https://global.azure-devices-provisioning.net" description:"address of the provisioning service"`
	CACertFile     string        `env:"CA_CERT_FILE,optional" description:"PEM certificate authority to trust for provisioning and hub"`
	SendInterval   time.Duration `env:"SEND_INTERVAL,optional,default=1s" description:"delay between telemetry messages"`
	LogLevel       string        `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logLevel)

	var tlsConfig *tls.Config
	if len(service.CACertFile) > 0 {
		pem, err := os.ReadFile(service.CACertFile)
		if err != nil {
			logger.Default().WithError(err).Fatal("cannot read CA certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			logger.Default().Fatalf("no certificate in %s", service.CACertFile)
		}
		tlsConfig = &tls.Config{RootCAs: pool}
	}

	simulator := thing.MustNewSimulator(&thing.Builder{
		BundleFile:           service.BundleFile,
		BundlePassword:       service.BundlePassword,
		ScopeID:              service.ScopeID,
		ProvisioningEndpoint: service.Endpoint,
		TLSConfig:            tlsConfig,
		SendInterval:         service.SendInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = simulator.Run(ctx)
	if err != nil {
		var perr *provisioning.Error
		if errors.As(err, &perr) {
			logger.Default().Fatalf("thing was not assigned to a hub: %s", perr)
		}
		logger.Default().WithError(err).Fatal("simulator terminated")
	}
	logger.Default().Info("simulator stopped")
}
