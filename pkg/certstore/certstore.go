// Package certstore anchors manifest signature verification in a
// directory of trusted certificates on disk: the chain of trust for
// every manifest envelope consumed by pkg/manifest.
package certstore

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/otaclient/otaclient/pkg/log"
	"github.com/rs/zerolog"
)

// Store holds the trust anchors loaded from a directory of PEM
// certificates and verifies manifest envelopes against them.
type Store struct {
	roots  *x509.CertPool
	logger zerolog.Logger
}

// header is the subset of the manifest's JWT-shaped header this store
// understands: the signing certificate itself, embedded as PEM in the
// cert field.
type header struct {
	Alg string `json:"alg"`
	Cert string `json:"cert"`
}

// Load reads every *.pem/*.crt file in dir into a trust pool.
func Load(dir string) (*Store, error) {
	pool := x509.NewCertPool()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read cert store dir %s: %w", dir, err)
	}
	loaded := 0
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		ext := filepath.Ext(ent.Name())
		if ext != ".pem" && ext != ".crt" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("read cert %s: %w", ent.Name(), err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", ent.Name())
		}
		loaded++
	}
	if loaded == 0 {
		return nil, fmt.Errorf("no trust anchors found under %s", dir)
	}
	return &Store{roots: pool, logger: log.WithComponent("certstore")}, nil
}

// VerifyEnvelope implements manifest.Verifier: the signing certificate
// is embedded as PEM in the header's cert field and chained to
// the trust pool, then the signature is checked against signingInput.
func (s *Store) VerifyEnvelope(signingInput, headerBytes, signature []byte) error {
	var h header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return fmt.Errorf("decode manifest header: %w", err)
	}
	block, _ := pem.Decode([]byte(h.Cert))
	if block == nil {
		return fmt.Errorf("manifest header does not embed a PEM certificate")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse signing certificate: %w", err)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: s.roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		return fmt.Errorf("signing certificate does not chain to a trusted root: %w", err)
	}

	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("signing certificate public key is not RSA")
	}
	digest := sha256.Sum256(signingInput)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	s.logger.Debug().Str("subject", leaf.Subject.CommonName).Msg("manifest signature verified")
	return nil
}
