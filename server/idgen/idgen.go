// Package idgen generates short, sortable identifiers for sessions.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"sync/atomic"
	"time"
)

var (
	encoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)
	counter  atomic.Uint32
	instance [2]byte
)

func init() {
	_, _ = rand.Read(instance[:])
}

// New returns a 16 character id: 5 bytes of millisecond time, 2 bytes
// identifying this process and 3 bytes of counter, so ids created by one
// process are unique and sort by creation time.
func New() string {
	var id [10]byte
	ms := uint64(time.Now().UnixMilli())
	id[0] = byte(ms >> 32)
	binary.BigEndian.PutUint32(id[1:5], uint32(ms))
	copy(id[5:7], instance[:])
	seq := counter.Add(1)
	id[7] = byte(seq >> 16)
	id[8] = byte(seq >> 8)
	id[9] = byte(seq)
	return encoding.EncodeToString(id[:])
}
