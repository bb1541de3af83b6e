package certstore

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T, cn string) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return key, pemBytes
}

func writeCert(t *testing.T, dir, name string, pemBytes []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), pemBytes, 0o644))
}

func header(t *testing.T, certPEM []byte) []byte {
	t.Helper()
	h, err := json.Marshal(struct {
		Alg  string `json:"alg"`
		Cert string `json:"cert"`
	}{Alg: "RS256", Cert: string(certPEM)})
	require.NoError(t, err)
	return h
}

func sign(t *testing.T, key *rsa.PrivateKey, input []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(input)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return sig
}

func TestLoadRejectsEmptyDir(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestVerifyEnvelopeSucceedsForTrustedSigner(t *testing.T) {
	dir := t.TempDir()
	key, certPEM := selfSignedCert(t, "otaclient-trust-root")
	writeCert(t, dir, "root.pem", certPEM)

	store, err := Load(dir)
	require.NoError(t, err)

	input := []byte("manifest-header.manifest-payload")
	sig := sign(t, key, input)
	h := header(t, certPEM)

	err = store.VerifyEnvelope(input, h, sig)
	assert.NoError(t, err)
}

func TestVerifyEnvelopeRejectsUntrustedSigner(t *testing.T) {
	dir := t.TempDir()
	_, trustedPEM := selfSignedCert(t, "trusted")
	writeCert(t, dir, "root.pem", trustedPEM)

	store, err := Load(dir)
	require.NoError(t, err)

	rogueKey, roguePEM := selfSignedCert(t, "rogue")
	input := []byte("payload")
	sig := sign(t, rogueKey, input)
	h := header(t, roguePEM)

	err = store.VerifyEnvelope(input, h, sig)
	assert.Error(t, err)
}

func TestVerifyEnvelopeRejectsTamperedSignature(t *testing.T) {
	dir := t.TempDir()
	key, certPEM := selfSignedCert(t, "otaclient-trust-root")
	writeCert(t, dir, "root.pem", certPEM)

	store, err := Load(dir)
	require.NoError(t, err)

	sig := sign(t, key, []byte("original"))
	h := header(t, certPEM)

	err = store.VerifyEnvelope([]byte("tampered"), h, sig)
	assert.Error(t, err)
}

func TestVerifyEnvelopeRejectsMalformedHeader(t *testing.T) {
	dir := t.TempDir()
	_, certPEM := selfSignedCert(t, "otaclient-trust-root")
	writeCert(t, dir, "root.pem", certPEM)

	store, err := Load(dir)
	require.NoError(t, err)

	err = store.VerifyEnvelope([]byte("x"), []byte("not json"), []byte("sig"))
	assert.Error(t, err)
}
