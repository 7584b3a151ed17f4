package fsid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTxnIDRoundTrip(t *testing.T) {
	ids := []TxnID{
		{BaseRev: 0, Seq: 0},
		{BaseRev: 5, Seq: 12},
		{BaseRev: 1000, Seq: 36*36 + 1},
	}
	for _, id := range ids {
		got, err := ParseTxnID(id.String())
		assert.NoError(t, err)
		assert.Equal(t, id, got)
	}
	_, err := ParseTxnID("nodash")
	assert.Error(t, err)
}

func TestIDRoundTripCommitted(t *testing.T) {
	id := &ID{
		NodeID:  IDPart{Rev: 3, Number: 7},
		CopyID:  IDPart{Rev: 1, Number: 0},
		RevItem: IDPart{Rev: 12, Number: 2},
	}
	assert.False(t, id.IsTxn())
	got, err := Parse(id.String())
	assert.NoError(t, err)
	assert.True(t, id.Eq(got))
}

func TestIDRoundTripTxn(t *testing.T) {
	id := &ID{
		NodeID:  IDPart{Rev: InvalidRev, Number: 4},
		CopyID:  IDPart{Rev: 2, Number: 1},
		RevItem: IDPart{Rev: InvalidRev, Number: 0},
		Txn:     OptTxnID{TxnID: TxnID{BaseRev: 9, Seq: 41}, Used: true},
	}
	assert.True(t, id.IsTxn())
	s := id.String()
	got, err := Parse(s)
	assert.NoError(t, err)
	assert.True(t, id.Eq(got), "%s != %s", s, got.String())
}

func TestIDCopyIsDetached(t *testing.T) {
	id := &ID{NodeID: IDPart{Rev: 1, Number: 1}, RevItem: IDPart{Rev: 1, Number: 5}}
	c := id.Copy()
	c.NodeID.Number = 99
	assert.Equal(t, uint64(1), id.NodeID.Number)
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "r", "r1", "r1/2.3", "x1/2.a-0.b-0", "r1/2.3.4"} {
		_, err := Parse(s)
		assert.Error(t, err, "input %q", s)
	}
}
