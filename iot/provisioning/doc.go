/*Package provisioning implements the device registration handshake

A thing registers with the provisioning service under a tenant scope,
authenticating with its certificate identity over mutual TLS. The handshake
is a multi round trip: the registration request is accepted with an
operation ID, and the thing polls the operation until the service reports a
terminal status. On "assigned" the result carries the hub endpoint and the
device ID the thing must use for its MQTT session.

The service performs the handshake as follows:

	PUT  /{scope_id}/registrations/{registration_id}/register
	GET  /{scope_id}/operations/{operation_id}

Registration is a single attempt. Any terminal status other than "assigned"
is an Error the caller must treat as fatal; transport and protocol failures
surface as iot.TransportError. Nothing is retried here.

The registry subpackage contains the service side used by the local
development harness and by the tests.
*/
package provisioning
