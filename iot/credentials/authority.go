package credentials

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	gopkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Authority is a certificate authority for device certificates. The local
// development harness uses it to verify client certificates and to mint
// credential bundles for things.
type Authority struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// MustNewAuthority generates a fresh self-signed certificate authority.
func MustNewAuthority() *Authority {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "thingsim device authority",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}

	return &Authority{cert: cert, key: key}
}

// MustLoadAuthority reads the certificate authority from PEM encoded
// certificate and key files.
func MustLoadAuthority(caCertFile, caKeyFile string) *Authority {
	caCertData, err := os.ReadFile(caCertFile)
	if err != nil {
		panic(err)
	}
	caKeyData, err := os.ReadFile(caKeyFile)
	if err != nil {
		panic(err)
	}
	caCertDataPEM, _ := pem.Decode(caCertData)
	if caCertDataPEM == nil {
		panic("ca-cert file contains no PEM block")
	}
	caCert, err := x509.ParseCertificate(caCertDataPEM.Bytes)
	if err != nil {
		panic(err)
	}
	caKeyDataPEM, _ := pem.Decode(caKeyData)
	if caKeyDataPEM == nil {
		panic("ca-key file contains no PEM block")
	}
	caPrivKey, err := x509.ParsePKCS8PrivateKey(caKeyDataPEM.Bytes)
	if err != nil {
		panic(err)
	}
	rsaKey, ok := caPrivKey.(*rsa.PrivateKey)
	if !ok {
		panic("ca-key is not an RSA key")
	}

	return &Authority{cert: caCert, key: rsaKey}
}

// CertPool returns a pool containing the authority certificate, suitable
// for verifying device client certificates and harness server certificates.
func (a *Authority) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// CertificatePEM returns the authority certificate in PEM form.
func (a *Authority) CertificatePEM() []byte {
	return pemEncode("CERTIFICATE", a.cert.Raw)
}

// KeyPEM returns the authority private key as PKCS#8 PEM, the form
// MustLoadAuthority reads back.
func (a *Authority) KeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(a.key)
	if err != nil {
		return nil, err
	}
	return pemEncode("PRIVATE KEY", der), nil
}

// IssueDeviceCertificate creates a client certificate for the given
// registration ID. The registration ID becomes the certificate common name.
func (a *Authority) IssueDeviceCertificate(registrationID string) (*x509.Certificate, *rsa.PrivateKey, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: registrationID,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().AddDate(1, 0, 0),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}

	certPrivKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &certPrivKey.PublicKey, a.key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, certPrivKey, nil
}

// DeviceBundle issues a device certificate and packages it together with
// its private key and the authority certificate as a password-protected
// PKCS#12 credential bundle.
func (a *Authority) DeviceBundle(registrationID, password string) ([]byte, error) {
	cert, key, err := a.IssueDeviceCertificate(registrationID)
	if err != nil {
		return nil, fmt.Errorf("cannot issue device certificate: %w", err)
	}
	// legacy ciphers, so that the bundle stays readable for PKCS#12
	// decoders that do not support AES
	return gopkcs12.LegacyDES.Encode(key, cert, []*x509.Certificate{a.cert}, password)
}

// TrustBundle packages the authority certificate alone as a PKCS#12 trust
// store without any private key.
func (a *Authority) TrustBundle(password string) ([]byte, error) {
	return gopkcs12.LegacyDES.EncodeTrustStore([]*x509.Certificate{a.cert}, password)
}

// ServerCertificate creates a TLS server certificate for the given host,
// used by the harness broker and the provisioning registry listeners.
func (a *Authority) ServerCertificate(host string) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: host,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().AddDate(1, 0, 0),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		DNSNames:    []string{host, "localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certPrivKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &certPrivKey.PublicKey, a.key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  certPrivKey,
	}, nil
}
