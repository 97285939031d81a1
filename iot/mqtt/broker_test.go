package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/thingsim/iot/credentials"
)

func newTestPlugin(t *testing.T) *plugin {
	t.Helper()
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(telemetrySchema))
	if err != nil {
		t.Fatal(err)
	}
	return &plugin{schema: schema}
}

func TestBrokerStartStop(t *testing.T) {
	broker := MustNewBroker(&Builder{
		Authority: credentials.MustNewAuthority(),
		Addr:      "127.0.0.1:0",
	})
	broker.Start()
	broker.Stop(context.Background())
}

func TestConnectionEntriesAreReleased(t *testing.T) {
	authority := credentials.MustNewAuthority()
	broker := MustNewBroker(&Builder{
		Authority: authority,
		Addr:      "127.0.0.1:0",
	})
	broker.Start()
	defer broker.Stop(context.Background())
	port := broker.Addr().(*net.TCPAddr).Port

	cert, key, err := authority.IssueDeviceCertificate("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tls://localhost:%d", port)).
		SetClientID("dev-1").
		SetTLSConfig(&tls.Config{
			RootCAs:      authority.CertPool(),
			Certificates: []tls.Certificate{{Certificate: [][]byte{cert.Raw}, PrivateKey: key}},
		})
	client := paho.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("connect failed: %v", token.Error())
	}

	broker.p.deviceIdsRwmux.RLock()
	connected := len(broker.p.deviceIds)
	broker.p.deviceIdsRwmux.RUnlock()
	if connected == 0 {
		t.Fatal("expecting an identity entry for the connection")
	}

	client.Disconnect(250)

	deadline := time.Now().Add(5 * time.Second)
	for {
		broker.p.deviceIdsRwmux.RLock()
		remaining := len(broker.p.deviceIds)
		broker.p.deviceIdsRwmux.RUnlock()
		if remaining == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d identity entries were not released", remaining)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestValidPayload(t *testing.T) {
	p := newTestPlugin(t)

	valid := `{"temperature":21.5,"humidity":65.0,"pressure":1020.0,"latitude":40.0,"longitude":-98.2}`
	if !p.validPayload([]byte(valid)) {
		t.Fatal("canonical payload was rejected")
	}
}

func TestInvalidPayloads(t *testing.T) {
	p := newTestPlugin(t)

	for name, payload := range map[string]string{
		"not json":      `temperature=21`,
		"missing field": `{"temperature":21.5,"humidity":65.0,"pressure":1020.0,"latitude":40.0}`,
		"extra field":   `{"temperature":21.5,"humidity":65.0,"pressure":1020.0,"latitude":40.0,"longitude":-98.2,"deviceId":"dev-1"}`,
		"string value":  `{"temperature":"21.5","humidity":65.0,"pressure":1020.0,"latitude":40.0,"longitude":-98.2}`,
		"array":         `[21.5,65.0,1020.0,40.0,-98.2]`,
	} {
		if p.validPayload([]byte(payload)) {
			t.Fatalf("payload %q was accepted", name)
		}
	}
}
