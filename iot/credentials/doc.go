/*Package credentials implements the certificate identity of a thing

A thing identifies itself with an X.509 certificate and the matching private
key, packaged as a password-protected PKCS#12 credential bundle. Load decodes
the bundle, logs one diagnostic line per discovered certificate entry and
selects the first entry that carries a private key. All other entries are
discarded.

The certificate's common name doubles as the registration ID for the
provisioning handshake, and later as the MQTT client ID. The broker denies
connections where the client ID does not match the certificate common name,
so a bundle issued for one registration cannot impersonate another.

The package also contains the Authority, a small certificate authority that
issues device certificates and bundles. It backs the local development
harness and the test suites; production deployments bring their own CA.
*/
package credentials
