package cursor

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"geneatlas/internal/model"
)

const diffContext = "atlas-diff-cursor"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func samplePayload() Payload {
	ds := model.DatasetID{Release: "111", Species: "homo_sapiens", Assembly: "GRCh38"}
	start := uint64(0)
	return Payload{
		CursorVersion: Version,
		DatasetID:     &ds,
		SortKey:       "gene_id",
		LastSeen:      &LastSeen{GeneID: "ENSG00000139618"},
		Order:         OrderGeneID,
		LastStart:     &start,
		LastGeneID:    "ENSG00000139618",
		QueryHash:     "6f1ed002ab5595859014ebf0951522d9",
		Depth:         3,
	}
}

func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	p := samplePayload()
	token, err := c.Encode(p, diffContext)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(token, Version+".") {
		t.Fatalf("unexpected token prefix: %s", token)
	}
	got, err := c.Decode(token, diffContext, p.QueryHash, OrderGeneID, p.DatasetID)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	minimal := Payload{Order: OrderGeneID, LastGeneID: "g1", QueryHash: "h"}
	token, err = c.Encode(minimal, diffContext)
	if err != nil {
		t.Fatalf("encode minimal: %v", err)
	}
	got, err = c.Decode(token, diffContext, "h", OrderGeneID, nil)
	if err != nil {
		t.Fatalf("decode minimal: %v", err)
	}
	minimal.CursorVersion = Version
	if diff := cmp.Diff(minimal, got); diff != "" {
		t.Fatalf("minimal round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	c := newTestCodec(t)
	a, _ := c.Encode(samplePayload(), diffContext)
	b, _ := c.Encode(samplePayload(), diffContext)
	if a != b {
		t.Fatalf("same payload produced different tokens")
	}
}

func TestAlteredTokenFailsClosed(t *testing.T) {
	c := newTestCodec(t)
	p := samplePayload()
	token, err := c.Encode(p, diffContext)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := range token {
		for _, repl := range []byte{'A', 'x', '_', '.'} {
			if token[i] == repl {
				continue
			}
			altered := token[:i] + string(repl) + token[i+1:]
			if _, err := c.Decode(altered, diffContext, p.QueryHash, OrderGeneID, p.DatasetID); err == nil {
				t.Fatalf("altered token at %d (%q) decoded successfully", i, repl)
			}
		}
	}
}

func TestDecodeClassification(t *testing.T) {
	c := newTestCodec(t)
	p := samplePayload()
	token, _ := c.Encode(p, diffContext)
	other := model.DatasetID{Release: "110", Species: "homo_sapiens", Assembly: "GRCh38"}
	foreign, _ := NewCodec([]byte("another-secret-another-secret!!"))
	foreignToken, _ := foreign.Encode(p, diffContext)
	v2 := "v2" + strings.TrimPrefix(token, Version)

	cases := []struct {
		name   string
		decode func() error
		kind   error
		reason string
	}{
		{"wrong context", func() error {
			_, err := c.Decode(token, "atlas-list-cursor", p.QueryHash, OrderGeneID, p.DatasetID)
			return err
		}, ErrInvalid, "CURSOR_INVALID"},
		{"foreign secret", func() error {
			_, err := c.Decode(foreignToken, diffContext, p.QueryHash, OrderGeneID, p.DatasetID)
			return err
		}, ErrInvalid, "CURSOR_INVALID"},
		{"other query", func() error {
			_, err := c.Decode(token, diffContext, "different", OrderGeneID, p.DatasetID)
			return err
		}, ErrDatasetMismatch, "CURSOR_DATASET_MISMATCH"},
		{"other dataset", func() error {
			_, err := c.Decode(token, diffContext, p.QueryHash, OrderGeneID, &other)
			return err
		}, ErrDatasetMismatch, "CURSOR_DATASET_MISMATCH"},
		{"other order", func() error {
			_, err := c.Decode(token, diffContext, p.QueryHash, OrderRegion, p.DatasetID)
			return err
		}, ErrInvalid, "CURSOR_INVALID"},
		{"future version", func() error {
			_, err := c.Decode(v2, diffContext, p.QueryHash, OrderGeneID, p.DatasetID)
			return err
		}, ErrUnsupportedVersion, "CURSOR_VERSION_UNSUPPORTED"},
		{"garbage", func() error {
			_, err := c.Decode("not-a-cursor", diffContext, p.QueryHash, OrderGeneID, nil)
			return err
		}, ErrInvalid, "CURSOR_INVALID"},
		{"oversized", func() error {
			_, err := c.Decode(strings.Repeat("a", maxTokenBytes+1), diffContext, p.QueryHash, OrderGeneID, nil)
			return err
		}, ErrInvalid, "CURSOR_INVALID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.decode()
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			if got := ReasonCode(err); got != tc.reason {
				t.Fatalf("reason = %s, want %s", got, tc.reason)
			}
		})
	}
}

func TestNewCodecRejectsShortSecret(t *testing.T) {
	if _, err := NewCodec([]byte("short")); err == nil {
		t.Fatalf("expected short secret rejection")
	}
	if _, err := NewRandomCodec(); err != nil {
		t.Fatalf("random codec: %v", err)
	}
}
