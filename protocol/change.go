// Package protocol defines the replication wire types shared by the client
// core and the sync server: per-column change records and the WebSocket
// message envelope.
package protocol

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ChangeRecord is the unit of replication: one column of one row set to one
// value by one site. PrimaryKey and Value are msgpack-encoded (see the
// encoding package) so arbitrary scalar types survive the wire and the
// change log.
type ChangeRecord struct {
	Table           string `json:"table" msgpack:"t"`
	PrimaryKey      []byte `json:"primaryKey" msgpack:"pk"`
	ColumnID        string `json:"columnId" msgpack:"c"`
	Value           []byte `json:"value" msgpack:"v"`
	ColumnVersion   int64  `json:"columnVersion" msgpack:"cv"`
	DatabaseVersion int64  `json:"databaseVersion" msgpack:"dv"`
	SiteID          string `json:"siteId" msgpack:"s"`
	CausalLength    int64  `json:"causalLength" msgpack:"cl"`
	Sequence        int64  `json:"sequence" msgpack:"sq"`
}

// CellKey identifies the cell a change targets. Two changes with the same
// CellKey compete under last-writer-wins.
func (c *ChangeRecord) CellKey() string {
	return fmt.Sprintf("%s\x00%x\x00%s", c.Table, c.PrimaryKey, c.ColumnID)
}

// CellHash is a 64-bit digest of the cell identity, used by the applied-change
// fast-path filter.
func (c *ChangeRecord) CellHash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(c.Table)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(c.PrimaryKey)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(c.ColumnID)
	return d.Sum64()
}

// Less orders changes by (DatabaseVersion, Sequence). Replaying changes in
// this order preserves causal consistency across sites.
func (c *ChangeRecord) Less(other *ChangeRecord) bool {
	if c.DatabaseVersion != other.DatabaseVersion {
		return c.DatabaseVersion < other.DatabaseVersion
	}
	return c.Sequence < other.Sequence
}

// SortChanges sorts a batch in replay order.
func SortChanges(changes []ChangeRecord) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Less(&changes[j])
	})
}

// BatchChecksum computes an order-sensitive digest over a change batch.
// Both ends compute it independently; a mismatch means the frame was
// corrupted or reordered in flight.
func BatchChecksum(changes []ChangeRecord) uint64 {
	d := xxhash.New()
	for i := range changes {
		c := &changes[i]
		_, _ = d.WriteString(c.Table)
		_, _ = d.Write(c.PrimaryKey)
		_, _ = d.WriteString(c.ColumnID)
		_, _ = d.Write(c.Value)
		var buf [8]byte
		for _, v := range []int64{c.ColumnVersion, c.DatabaseVersion, c.CausalLength, c.Sequence} {
			putInt64(buf[:], v)
			_, _ = d.Write(buf[:])
		}
		_, _ = d.WriteString(c.SiteID)
	}
	return d.Sum64()
}

func putInt64(buf []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf[i] = byte(u >> (8 * i))
	}
}
