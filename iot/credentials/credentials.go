package credentials

import (
	"crypto"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"github.com/relabs-tech/thingsim/core/logger"
)

// Identity is the certificate-backed identity of a thing. It is loaded once
// at startup and never mutated.
type Identity struct {
	// Certificate is the TLS client certificate presented to the
	// provisioning service and to the hub.
	Certificate tls.Certificate
	// Leaf is the parsed X.509 certificate.
	Leaf *x509.Certificate
	// Thumbprint is the uppercase hex SHA-1 of the certificate in DER form.
	Thumbprint string
	// Subject is the certificate subject in RFC 2253 notation.
	Subject string
	// RegistrationID is the certificate common name. It identifies the
	// thing during the provisioning handshake.
	RegistrationID string
}

// CredentialError reports a bad or missing identity: the bundle cannot be
// opened, cannot be decrypted, or contains no certificate with a private key.
type CredentialError struct {
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Load reads the PKCS#12 credential bundle and returns the identity of the
// first certificate entry that carries a private key. Selection is
// first-match by bundle iteration order; bundles should contain exactly one
// key-bearing certificate for predictable behavior. One diagnostic line is
// logged per certificate entry.
func Load(bundleFile, bundlePassword string) (*Identity, error) {
	data, err := os.ReadFile(bundleFile)
	if err != nil {
		return nil, &CredentialError{Reason: "cannot open credential bundle", Err: err}
	}

	blocks, err := pkcs12.ToPEM(data, bundlePassword)
	if err != nil {
		return nil, &CredentialError{Reason: "cannot decode credential bundle", Err: err}
	}

	var keys []crypto.PrivateKey
	for _, block := range blocks {
		if strings.HasSuffix(block.Type, "PRIVATE KEY") {
			if key := parsePrivateKey(block.Bytes); key != nil {
				keys = append(keys, key)
			}
		}
	}

	rlog := logger.Default()
	var identity *Identity
	for _, block := range blocks {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &CredentialError{Reason: "cannot parse certificate entry", Err: err}
		}
		key := matchingKey(cert, keys)
		thumbprint := Thumbprint(cert)
		rlog.Infof("found certificate %s, subject %s, has private key: %t",
			thumbprint, cert.Subject.String(), key != nil)
		if identity != nil || key == nil {
			continue
		}
		identity = &Identity{
			Certificate: tls.Certificate{
				Certificate: [][]byte{cert.Raw},
				PrivateKey:  key,
				Leaf:        cert,
			},
			Leaf:           cert,
			Thumbprint:     thumbprint,
			Subject:        cert.Subject.String(),
			RegistrationID: cert.Subject.CommonName,
		}
	}

	if identity == nil {
		return nil, &CredentialError{Reason: "bundle contains no certificate with a private key"}
	}
	return identity, nil
}

// Thumbprint returns the uppercase hex SHA-1 digest of the certificate in
// DER form.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func parsePrivateKey(der []byte) crypto.PrivateKey {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key
	}
	return nil
}

func matchingKey(cert *x509.Certificate, keys []crypto.PrivateKey) crypto.PrivateKey {
	certPub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return nil
	}
	for _, key := range keys {
		signer, ok := key.(crypto.Signer)
		if !ok {
			continue
		}
		if certPub.Equal(signer.Public()) {
			return key
		}
	}
	return nil
}

// pemEncode is a small convenience used by the Authority.
func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}
