// Package cursor encodes opaque, tamper-evident pagination tokens.
//
// A token is "v1.<payload>.<tag>" where payload is the deterministic CBOR
// encoding of a Payload and tag is HMAC-SHA256 over the version, a caller
// context tag and the payload. Both segments are unpadded base64url.
package cursor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"geneatlas/internal/model"
)

// Version is the only cursor protocol version this codec issues or accepts.
const Version = "v1"

const (
	maxTokenBytes  = 2048
	minSecretBytes = 16
)

// Order is the sort order a cursor resumes.
type Order string

const (
	OrderGeneID Order = "gene_id"
	OrderRegion Order = "region"
)

// LastSeen is the sort key of the last row returned.
type LastSeen struct {
	GeneID string `cbor:"1,keyasint,omitempty"`
	Seqid  string `cbor:"2,keyasint,omitempty"`
	Start  uint64 `cbor:"3,keyasint,omitempty"`
}

// Payload is the decoded content of a cursor.
type Payload struct {
	CursorVersion string           `cbor:"1,keyasint"`
	DatasetID     *model.DatasetID `cbor:"2,keyasint,omitempty"`
	SortKey       string           `cbor:"3,keyasint,omitempty"`
	LastSeen      *LastSeen        `cbor:"4,keyasint,omitempty"`
	Order         Order            `cbor:"5,keyasint"`
	LastSeqid     string           `cbor:"6,keyasint,omitempty"`
	LastStart     *uint64          `cbor:"7,keyasint,omitempty"`
	LastGeneID    string           `cbor:"8,keyasint"`
	QueryHash     string           `cbor:"9,keyasint"`
	Depth         uint32           `cbor:"10,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cursor: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  16,
		MaxMapPairs:       16,
		MaxNestedLevels:   4,
	}.DecMode()
	if err != nil {
		panic("cursor: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec signs and verifies cursors with a shared secret.
type Codec struct {
	secret []byte
}

// NewCodec returns a codec keyed by secret.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("cursor: secret must be at least %d bytes", minSecretBytes)
	}
	return &Codec{secret: append([]byte(nil), secret...)}, nil
}

// NewRandomCodec returns a codec with a fresh per-process secret. Cursors it
// issues do not survive a restart.
func NewRandomCodec() (*Codec, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("cursor: generate secret: %w", err)
	}
	return NewCodec(secret)
}

var b64 = base64.RawURLEncoding.Strict()

func (c *Codec) tag(context string, payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(Version))
	mac.Write([]byte{0})
	mac.Write([]byte(context))
	mac.Write([]byte{0})
	mac.Write(payload)
	return mac.Sum(nil)
}

// Encode signs p for the given context.
func (c *Codec) Encode(p Payload, context string) (string, error) {
	if p.CursorVersion == "" {
		p.CursorVersion = Version
	}
	raw, err := encMode.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("cursor: encode: %w", err)
	}
	token := Version + "." + b64.EncodeToString(raw) + "." + b64.EncodeToString(c.tag(context, raw))
	if len(token) > maxTokenBytes {
		return "", fmt.Errorf("cursor: token exceeds %d bytes", maxTokenBytes)
	}
	return token, nil
}

// Decode verifies token and checks it was issued for the expected query,
// order and (when non-nil) dataset.
func (c *Codec) Decode(token, context, expectedQueryHash string, expectedOrder Order, expectedDataset *model.DatasetID) (Payload, error) {
	if len(token) == 0 || len(token) > maxTokenBytes {
		return Payload{}, invalid("token length %d", len(token))
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Payload{}, invalid("token has %d segments", len(parts))
	}
	if parts[0] != Version {
		if looksLikeVersion(parts[0]) {
			return Payload{}, &Error{Kind: ErrUnsupportedVersion, Detail: parts[0]}
		}
		return Payload{}, invalid("malformed version")
	}
	raw, err := b64.DecodeString(parts[1])
	if err != nil {
		return Payload{}, invalid("payload encoding")
	}
	sig, err := b64.DecodeString(parts[2])
	if err != nil {
		return Payload{}, invalid("tag encoding")
	}
	if !hmac.Equal(sig, c.tag(context, raw)) {
		return Payload{}, invalid("signature mismatch")
	}
	var p Payload
	if err := decMode.Unmarshal(raw, &p); err != nil {
		return Payload{}, invalid("payload: %v", err)
	}
	if p.CursorVersion != Version {
		return Payload{}, &Error{Kind: ErrUnsupportedVersion, Detail: p.CursorVersion}
	}
	if p.Order != expectedOrder {
		return Payload{}, invalid("order %q, expected %q", p.Order, expectedOrder)
	}
	if p.QueryHash != expectedQueryHash {
		return Payload{}, &Error{Kind: ErrDatasetMismatch, Detail: "query hash"}
	}
	if expectedDataset != nil && (p.DatasetID == nil || *p.DatasetID != *expectedDataset) {
		return Payload{}, &Error{Kind: ErrDatasetMismatch, Detail: "dataset"}
	}
	if p.Order == OrderGeneID && p.LastGeneID == "" {
		return Payload{}, invalid("missing last_gene_id")
	}
	return p, nil
}

func looksLikeVersion(s string) bool {
	if len(s) < 2 || len(s) > 8 || s[0] != 'v' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var (
	// ErrInvalid covers malformed tokens, bad signatures and wrong contexts.
	ErrInvalid = errors.New("cursor: invalid")
	// ErrUnsupportedVersion reports a token from another protocol version.
	ErrUnsupportedVersion = errors.New("cursor: unsupported version")
	// ErrDatasetMismatch reports a token issued for a different query or dataset.
	ErrDatasetMismatch = errors.New("cursor: dataset mismatch")
)

// Error is a classified decode failure. Kind is one of the sentinel errors.
type Error struct {
	Kind   error
	Detail string
}

func (e *Error) Error() string { return e.Kind.Error() + ": " + e.Detail }

func (e *Error) Unwrap() error { return e.Kind }

// ReasonCode returns the stable client-facing reason code.
func (e *Error) ReasonCode() string { return ReasonCode(e) }

func invalid(format string, args ...any) *Error {
	return &Error{Kind: ErrInvalid, Detail: fmt.Sprintf(format, args...)}
}

// ReasonCode maps a decode error to CURSOR_VERSION_UNSUPPORTED,
// CURSOR_DATASET_MISMATCH or CURSOR_INVALID.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedVersion):
		return "CURSOR_VERSION_UNSUPPORTED"
	case errors.Is(err, ErrDatasetMismatch):
		return "CURSOR_DATASET_MISMATCH"
	default:
		return "CURSOR_INVALID"
	}
}
