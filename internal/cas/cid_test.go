package cas

import (
	"bytes"
	"strings"
	"testing"
)

func TestComputeCIDKnownVectors(t *testing.T) {
	cases := []struct {
		data string
		want string
	}{
		{"", "QmdfTbBqBPQ7VNxZEYEj14VmRuZBkqFbiwReogJgS1zR1n"},
		{"hello world\n", "QmZjTnYw2TFhn9Nn7tjmPSoTBoY7YRkwPzwSrSbabY24Kp"},
		{"etherith", "QmSe2Xd3XUuHUkphpEkJYe23HcgDdNbPdcCHbb2XoSbuU2"},
	}
	for _, tc := range cases {
		if got := ComputeCID([]byte(tc.data)); got != tc.want {
			t.Errorf("ComputeCID(%q) = %s, want %s", tc.data, got, tc.want)
		}
	}
}

func TestComputeCIDDeterministic(t *testing.T) {
	data := []byte("the same bytes, the same address")
	if ComputeCID(data) != ComputeCID(data) {
		t.Fatalf("CID is not deterministic")
	}
	if ComputeCID(data) == ComputeCID([]byte("different bytes")) {
		t.Fatalf("distinct content produced the same CID")
	}
}

func TestComputeCIDPrefix(t *testing.T) {
	// CIDv0 identifiers always begin with Qm (multihash 0x12 0x20).
	if cid := ComputeCID([]byte("anything")); !strings.HasPrefix(cid, "Qm") {
		t.Fatalf("expected Qm prefix, got %s", cid)
	}
}

func TestComputeCIDFromReader(t *testing.T) {
	data := []byte("stream me")
	cid, n, err := ComputeCIDFromReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("from reader: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("expected %d bytes hashed, got %d", len(data), n)
	}
	if cid != ComputeCID(data) {
		t.Fatalf("reader CID %s != bytes CID %s", cid, ComputeCID(data))
	}
}
