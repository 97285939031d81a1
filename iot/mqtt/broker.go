package mqtt

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/segmentio/kafka-go"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/thingsim/core/logger"
	"github.com/relabs-tech/thingsim/iot"
	"github.com/relabs-tech/thingsim/iot/credentials"
)

// telemetrySchema is the wire contract of an events payload.
const telemetrySchema = `{
	"type": "object",
	"properties": {
		"temperature": {"type": "number"},
		"humidity":    {"type": "number"},
		"pressure":    {"type": "number"},
		"latitude":    {"type": "number"},
		"longitude":   {"type": "number"}
	},
	"required": ["temperature", "humidity", "pressure", "latitude", "longitude"],
	"additionalProperties": false
}`

// Broker is the MQTT broker of the local development harness.
type Broker struct {
	p *plugin
	// the concrete server from gmqtt.NewServer; the gmqtt.Server plugin
	// interface does not carry Stop
	stopper interface {
		Stop(ctx context.Context) error
	}
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Authority verifies device client certificates and issues the
	// broker's server certificate. This is mandatory.
	Authority *credentials.Authority
	// Addr is the TLS listen address. The default is ":8883".
	Addr string
	// KafkaBrokers optionally enables republishing of accepted events
	// to Kafka.
	KafkaBrokers []string
	// KafkaTopic is the topic events are republished to. The default is
	// "thingsim.events".
	KafkaTopic string
}

// plugin is the plugin for GMQTT
type plugin struct {
	tlsln          net.Listener
	deviceIdsRwmux sync.RWMutex
	deviceIds      map[net.Conn]string

	schema *gojsonschema.Schema
	writer *kafka.Writer
}

// MustNewBroker returns a new broker. The broker does not accept
// connections until Start or Run is called.
func MustNewBroker(b *Builder) *Broker {
	if b.Authority == nil {
		panic("authority is missing")
	}
	addr := b.Addr
	if len(addr) == 0 {
		addr = ":8883"
	}

	crt, err := b.Authority.ServerCertificate("localhost")
	if err != nil {
		panic(err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    b.Authority.CertPool(),
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	tlsln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		panic(err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(telemetrySchema))
	if err != nil {
		panic(err)
	}

	var writer *kafka.Writer
	if len(b.KafkaBrokers) > 0 {
		topic := b.KafkaTopic
		if len(topic) == 0 {
			topic = "thingsim.events"
		}
		writer = &kafka.Writer{
			Addr:     kafka.TCP(b.KafkaBrokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		}
	}

	return &Broker{
		p: &plugin{
			tlsln:     tlsln,
			deviceIds: make(map[net.Conn]string),
			schema:    schema,
			writer:    writer,
		},
	}
}

// Addr returns the actual listen address, useful when the builder asked
// for an ephemeral port.
func (b *Broker) Addr() net.Addr {
	return b.p.tlsln.Addr()
}

// Start launches the broker in the background.
func (b *Broker) Start() {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.stopper = s
	logger.Default().Infof("hub broker listening on %s", b.Addr())
}

// Stop shuts the broker down.
func (b *Broker) Stop(ctx context.Context) {
	if b.stopper != nil {
		b.stopper.Stop(ctx)
	}
	if b.p.writer != nil {
		b.p.writer.Close()
	}
}

// Run is blocking and runs the broker. It listens on syscall.SIGTERM for
// a graceful shutdown.
func (b *Broker) Run() {
	b.Start()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	b.Stop(context.Background())
	logger.Default().Info("hub broker stopped")
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "thingsim hub" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) deviceIDFromConnection(conn net.Conn) string {
	p.deviceIdsRwmux.RLock()
	defer p.deviceIdsRwmux.RUnlock()
	return p.deviceIds[conn]
}

// OnAcceptWrapper authorizes things via their TLS client certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			err := tlsConn.Handshake()
			if err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			cert := state.VerifiedChains[0][0]
			commonName := cert.Subject.CommonName

			p.deviceIdsRwmux.Lock()
			defer p.deviceIdsRwmux.Unlock()
			p.deviceIds[conn] = commonName
			logger.Default().Infof("accept %s", commonName)
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		deviceID := p.deviceIDFromConnection(client.Connection())
		if client.OptionsReader().ClientID() != deviceID {
			logger.Default().Infof("connect denied, %s not authorized", client.OptionsReader().ClientID())
			return packets.CodeNotAuthorized
		}
		logger.Default().Infof("connect %s", deviceID)
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper classifies and validates events messages
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		topic := msg.Topic()

		deviceID, sensorType, ok := iot.ParseEventsTopic(topic)
		if !ok {
			logger.Default().Infof("message outside the events namespace on %s, dropped", topic)
			return false
		}
		if deviceID != clientID {
			logger.Default().Infof("%s may not publish for %s, dropped", clientID, deviceID)
			return false
		}

		if !p.validPayload(msg.Payload()) {
			logger.Default().Infof("invalid %s payload from %s, dropped", sensorType, deviceID)
			return false
		}

		if p.writer != nil {
			err := p.writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte(deviceID),
				Value: msg.Payload(),
				Headers: []kafka.Header{
					{Key: "SensorType", Value: []byte(sensorType)},
				},
			})
			if err != nil {
				logger.Default().WithError(err).Error("republish to kafka failed")
			}
		}

		return arrived(ctx, client, msg)
	}
}

func (p *plugin) validPayload(payload []byte) bool {
	result, err := p.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return false
	}
	return result.Valid()
}

// OnCloseWrapper forgets the connection's identity entry
func (p *plugin) OnCloseWrapper(onClose gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.deviceIdsRwmux.Lock()
		delete(p.deviceIds, client.Connection())
		p.deviceIdsRwmux.Unlock()
		onClose(ctx, client, err)
	}
}

// OnSubscribeWrapper enforces topic policy: things publish, they do not subscribe
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		logger.Default().Infof("subscribe %s %s denied", deviceID, topic.Name)
		return packets.SUBSCRIBE_FAILURE
	}
}
