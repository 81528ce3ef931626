package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/keyport/gateway/internal/config"
)

// startServer starts srv over plain HTTP if TLS is disabled, otherwise over
// HTTPS, generating a self-signed localhost pair (overwriting both files)
// if either the cert or the key file is missing. Carries over the prior
// cmd/server/tls.go, retargeted from *config.Config to *config.ServerConfig.
func startServer(sc *config.ServerConfig, srv *http.Server) error {
	if !sc.TLS.Enabled {
		return srv.ListenAndServe()
	}

	if sc.TLS.CertFile == "" {
		sc.TLS.CertFile = "server.crt"
	}
	if sc.TLS.KeyFile == "" {
		sc.TLS.KeyFile = "server.key"
	}

	if err := ensureSelfSignedIfMissing(sc.TLS.CertFile, sc.TLS.KeyFile); err != nil {
		log.Printf("TLS enabled but could not create self-signed cert: %v (falling back to HTTP)", err)
		return srv.ListenAndServe()
	}

	srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	return srv.ListenAndServeTLS(sc.TLS.CertFile, sc.TLS.KeyFile)
}

func ensureSelfSignedIfMissing(certPath, keyPath string) error {
	if fileExists(certPath) && fileExists(keyPath) {
		return nil
	}
	return generateSelfSigned(certPath, keyPath)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// generateSelfSigned creates a 2048-bit RSA key and a self-signed X.509
// certificate for "localhost", valid for one year.
func generateSelfSigned(certPath, keyPath string) error {
	if dir := filepath.Dir(certPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if dir := filepath.Dir(keyPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return err
	}

	certTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "localhost",
			Organization: []string{"auto-generated"},
		},
		NotBefore:             time.Now().Add(-1 * time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	certDERBytes, err := x509.CreateCertificate(rand.Reader, certTemplate, certTemplate, &privateKey.PublicKey, privateKey)
	if err != nil {
		return err
	}

	certOutFile, err := os.Create(certPath)
	if err != nil {
		return err
	}
	defer certOutFile.Close()
	if err := pem.Encode(certOutFile, &pem.Block{Type: "CERTIFICATE", Bytes: certDERBytes}); err != nil {
		return err
	}

	keyOutFile, err := os.OpenFile(keyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer keyOutFile.Close()
	if err := pem.Encode(keyOutFile, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)}); err != nil {
		return err
	}

	log.Printf("generated self-signed certificate (%s, %s) for localhost", certPath, keyPath)
	return nil
}
