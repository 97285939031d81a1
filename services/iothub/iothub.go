package main

import (
	"crypto/tls"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/thingsim/core/logger"
	"github.com/relabs-tech/thingsim/iot/credentials"
	"github.com/relabs-tech/thingsim/iot/mqtt"
	"github.com/relabs-tech/thingsim/iot/provisioning/registry"
)

// Service holds the configuration for this service
//
// use with
//
//	CA_CERT_FILE:  the X.509 certificate of the device authority
//	CA_KEY_FILE:   the X.509 private key of the device authority
//	SCOPE_ID:      the provisioning tenant scope served by the registry
//	ASSIGNED_HUB:  the hub endpoint assigned to enrolled things (optional)
//	ENROLLMENTS:   comma separated registration IDs to enroll at startup (optional)
//	HTTP_ADDR:     listen address of the provisioning registry (optional)
//	MQTT_ADDR:     listen address of the hub broker (optional)
//	KAFKA_BROKERS: comma separated kafka brokers for the events sink (optional)
type Service struct {
	CACertFile   string `env:"CA_CERT_FILE,required" description:"the X.509 certificate of the device authority"`
	CAKeyFile    string `env:"CA_KEY_FILE,required" description:"the X.509 private key of the device authority"`
	ScopeID      string `env:"SCOPE_ID,required" description:"the provisioning tenant scope served by the registry"`
	AssignedHub  string `env:"ASSIGNED_HUB,optional,default=localhost" description:"the hub endpoint assigned to enrolled things"`
	Enrollments  string `env:"ENROLLMENTS,optional" description:"comma separated registration IDs to enroll at startup"`
	HTTPAddr     string `env:"HTTP_ADDR,optional,default=:3000" description:"listen address of the provisioning registry"`
	MQTTAddr     string `env:"MQTT_ADDR,optional,default=:8883" description:"listen address of the hub broker"`
	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated kafka brokers for the events sink"`
	LogLevel     string `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
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

	rlog := logger.Default()
	authority := credentials.MustLoadAuthority(service.CACertFile, service.CAKeyFile)

	router := mux.NewRouter()
	logger.AddRequestID(router)
	reg := registry.MustNewService(&registry.Builder{
		Router:      router,
		ScopeID:     service.ScopeID,
		AssignedHub: service.AssignedHub,
	})
	for _, registrationID := range strings.Split(service.Enrollments, ",") {
		registrationID = strings.TrimSpace(registrationID)
		if len(registrationID) == 0 {
			continue
		}
		deviceID := reg.Enroll(registrationID)
		rlog.Infof("enrolled %s as device %s", registrationID, deviceID)
	}

	var kafkaBrokers []string
	if len(service.KafkaBrokers) > 0 {
		kafkaBrokers = strings.Split(service.KafkaBrokers, ",")
	}
	broker := mqtt.MustNewBroker(&mqtt.Builder{
		Authority:    authority,
		Addr:         service.MQTTAddr,
		KafkaBrokers: kafkaBrokers,
	})

	serverCertificate, err := authority.ServerCertificate("localhost")
	if err != nil {
		rlog.WithError(err).Fatal("cannot create server certificate")
	}
	server := &http.Server{
		Addr:    service.HTTPAddr,
		Handler: handlers.CompressHandler(router),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{serverCertificate},
			ClientCAs:    authority.CertPool(),
			ClientAuth:   tls.VerifyClientCertIfGiven,
		},
	}
	go func() {
		rlog.Infof("provisioning registry listening on %s", service.HTTPAddr)
		err := server.ListenAndServeTLS("", "")
		if err != nil && err != http.ErrServerClosed {
			rlog.WithError(err).Fatal("provisioning registry failed")
		}
	}()

	rlog.Infof("hub broker listening on %s", service.MQTTAddr)
	broker.Run()
}
