/*Package iot provides the building blocks of the thing simulator

It contains the shared message and error types used by the device-side
packages (credentials, provisioning, session, sensor, telemetry, thing) and
by the local development harness (the provisioning registry and the MQTT
broker).

The device side provisions itself against a provisioning service with an
X.509 certificate identity, opens an authenticated MQTT session to the
assigned hub and streams synthetic telemetry and log events forever. The
harness side provides a local provisioning service and broker so the whole
flow can be run and tested without a cloud account.
*/
package iot
