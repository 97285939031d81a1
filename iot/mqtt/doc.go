/*Package mqtt provides the hub broker of the local development harness

The broker authenticates things with X.509 client certificates issued by
the harness authority and enforces that the MQTT client ID matches the
certificate common name, so a thing can only publish as the device it was
provisioned as.

Things publish their events on

	thingsim/{device_id}/events/?SensorType={Stelemetry|Slog}

The broker classifies messages by the SensorType property on the topic
without looking at the payload. Payloads on the events topics are
validated against the telemetry JSON schema (exactly the five numeric
fields temperature, humidity, pressure, latitude and longitude); invalid
messages are dropped. Accepted messages can optionally be republished to a
Kafka topic for downstream consumers.
*/
package mqtt
