package manifest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/otaclient/otaclient/pkg/otaerrors"
)

// SectionRef names an auxiliary meta-stream file by its relative name
// and the hex sha256 digest it must hash to.
type SectionRef struct {
	File string `json:"file"`
	Hash string `json:"hash"`
}

// Envelope is the parsed, already-verified payload of a signed
// manifest: version, one reference per meta-stream, the rootfs base
// directory, the certificate descriptor, and an optional total
// regular-file byte count.
type Envelope struct {
	Version         int
	Directory       SectionRef
	SymbolicLink    SectionRef
	Regular         SectionRef
	Persistent      SectionRef
	RootfsDirectory string
	Certificate     SectionRef
	TotalRegularSize *int64
}

// Verifier checks a signed envelope's signature against a chain
// anchored in an on-disk certificate store. Implemented by
// pkg/certstore; kept as a narrow capability interface here so
// pkg/manifest has no direct dependency on crypto/x509 plumbing.
//
// signingInput is the ASCII "base64url(header).base64url(payload)"
// string the signature was computed over; header is the decoded JSON
// header embedding the signing certificate; signature is the decoded raw
// signature bytes.
type Verifier interface {
	VerifyEnvelope(signingInput, header, signature []byte) error
}

// Parse verifies and decodes a JWT-shaped header.payload.signature
// manifest. Other manifest versions than 1 are accepted best-effort
// and logged by the caller, per the external interface contract.
func Parse(raw []byte, v Verifier) (*Envelope, error) {
	parts := strings.Split(strings.TrimSpace(string(raw)), ".")
	if len(parts) != 3 {
		return nil, otaerrors.Unrecoverablef(nil, "manifest envelope must have 3 dot-separated segments, got %d", len(parts))
	}
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, otaerrors.Unrecoverablef(err, "decode manifest header")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, otaerrors.Unrecoverablef(err, "decode manifest payload")
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, otaerrors.Unrecoverablef(err, "decode manifest signature")
	}

	if v != nil {
		signingInput := []byte(parts[0] + "." + parts[1])
		if err := v.VerifyEnvelope(signingInput, header, signature); err != nil {
			return nil, otaerrors.Recoverablef(err, "manifest signature verification failed")
		}
	}

	var sections []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &sections); err != nil {
		return nil, otaerrors.Unrecoverablef(err, "decode manifest payload array")
	}

	env := &Envelope{Version: 1}
	for _, section := range sections {
		if len(section) != 1 {
			return nil, otaerrors.Unrecoverablef(nil, "manifest section must be a single-key object, got %d keys", len(section))
		}
		for key, raw := range section {
			switch key {
			case "version":
				if err := json.Unmarshal(raw, &env.Version); err != nil {
					return nil, otaerrors.Unrecoverablef(err, "decode version section")
				}
			case "directory":
				if err := json.Unmarshal(raw, &env.Directory); err != nil {
					return nil, otaerrors.Unrecoverablef(err, "decode directory section")
				}
			case "symboliclink":
				if err := json.Unmarshal(raw, &env.SymbolicLink); err != nil {
					return nil, otaerrors.Unrecoverablef(err, "decode symboliclink section")
				}
			case "regular":
				if err := json.Unmarshal(raw, &env.Regular); err != nil {
					return nil, otaerrors.Unrecoverablef(err, "decode regular section")
				}
			case "persistent":
				if err := json.Unmarshal(raw, &env.Persistent); err != nil {
					return nil, otaerrors.Unrecoverablef(err, "decode persistent section")
				}
			case "rootfs_directory":
				if err := json.Unmarshal(raw, &env.RootfsDirectory); err != nil {
					return nil, otaerrors.Unrecoverablef(err, "decode rootfs_directory section")
				}
			case "certificate":
				if err := json.Unmarshal(raw, &env.Certificate); err != nil {
					return nil, otaerrors.Unrecoverablef(err, "decode certificate section")
				}
			case "total_regular_size":
				var size int64
				if err := json.Unmarshal(raw, &size); err != nil {
					return nil, otaerrors.Unrecoverablef(err, "decode total_regular_size section")
				}
				env.TotalRegularSize = &size
			default:
				// unknown sections are tolerated for forward compatibility
			}
		}
	}
	if env.Regular.File == "" {
		return nil, otaerrors.Unrecoverablef(nil, "manifest payload missing required 'regular' section")
	}
	return env, nil
}

func (r SectionRef) String() string {
	return fmt.Sprintf("%s (sha256:%s)", r.File, r.Hash)
}
