// Command mkbundle creates a device authority and PKCS#12 credential
// bundles for the local harness.
//
// It writes ca.crt and ca.key for the iothub service, plus one
// <registration-id>.p12 bundle per argument for the thingsim service.
// When ca.crt and ca.key already exist in the output directory, the
// existing authority is reused so that new bundles can be added later.
package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/relabs-tech/thingsim/iot/credentials"
)

var (
	outDir   = flag.String("out", ".", "output directory")
	password = flag.String("password", "", "password for the credential bundles")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		println("usage: mkbundle [-out dir] [-password secret] registration-id ...")
		os.Exit(1)
	}

	caCertFile := filepath.Join(*outDir, "ca.crt")
	caKeyFile := filepath.Join(*outDir, "ca.key")

	var authority *credentials.Authority
	if _, err := os.Stat(caCertFile); err == nil {
		authority = credentials.MustLoadAuthority(caCertFile, caKeyFile)
	} else {
		authority = credentials.MustNewAuthority()
		keyPEM, err := authority.KeyPEM()
		if err != nil {
			panic(err)
		}
		if err := os.WriteFile(caCertFile, authority.CertificatePEM(), 0644); err != nil {
			panic(err)
		}
		if err := os.WriteFile(caKeyFile, keyPEM, 0600); err != nil {
			panic(err)
		}
	}

	for _, registrationID := range flag.Args() {
		bundle, err := authority.DeviceBundle(registrationID, *password)
		if err != nil {
			panic(err)
		}
		name := strings.ReplaceAll(registrationID, "/", "_") + ".p12"
		if err := os.WriteFile(filepath.Join(*outDir, name), bundle, 0600); err != nil {
			panic(err)
		}
	}
}
