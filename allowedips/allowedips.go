// Package allowedips implements the longest-prefix IPv4 routing table
// used both for Device.peers_by_ip and for each Peer's allowed-source-IP
// set. Lookups are total over the 32-bit IPv4 space.
package allowedips

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/btree"
)

type entry[V any] struct {
	prefixLen uint8
	addr      uint32
	value     V
}

func lessEntry[V any](a, b entry[V]) bool {
	if a.addr != b.addr {
		return a.addr < b.addr
	}
	return a.prefixLen < b.prefixLen
}

// Table is an ordered set of (IPv4 prefix, prefix length) -> V entries
// supporting longest-prefix-match lookup. The zero value is not usable;
// construct with New.
type Table[V any] struct {
	tree *btree.BTreeG[entry[V]]
}

// New returns an empty Table.
func New[V any]() *Table[V] {
	return &Table[V]{tree: btree.NewG(32, lessEntry[V])}
}

func addrToUint32(addr netip.Addr) (uint32, error) {
	if !addr.Is4() {
		return 0, fmt.Errorf("allowedips: %s is not an IPv4 address", addr)
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), nil
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

func maskOf(prefixLen uint8) uint32 {
	if prefixLen == 0 {
		return 0
	}
	return ^uint32(0) << (32 - prefixLen)
}

// Insert stores value under the IPv4 prefix formed by truncating addr to
// prefixLen bits. It returns the previous value at that exact prefix, if
// any. It fails only if prefixLen > 32 or addr is not an IPv4 address.
func (t *Table[V]) Insert(addr netip.Addr, prefixLen uint8, value V) (previous V, hadPrevious bool, err error) {
	if prefixLen > 32 {
		return previous, false, fmt.Errorf("allowedips: prefix length %d exceeds 32", prefixLen)
	}
	a, err := addrToUint32(addr)
	if err != nil {
		return previous, false, err
	}
	masked := a & maskOf(prefixLen)
	old, had := t.tree.ReplaceOrInsert(entry[V]{prefixLen: prefixLen, addr: masked, value: value})
	if had {
		return old.value, true, nil
	}
	return previous, false, nil
}

// Get returns the value associated with the longest prefix covering addr,
// or the zero value and false if none matches.
func (t *Table[V]) Get(addr netip.Addr) (value V, ok bool) {
	a, err := addrToUint32(addr)
	if err != nil {
		return value, false
	}
	for prefixLen := 32; prefixLen >= 0; prefixLen-- {
		masked := a & maskOf(uint8(prefixLen))
		if e, found := t.tree.Get(entry[V]{prefixLen: uint8(prefixLen), addr: masked}); found {
			return e.value, true
		}
	}
	return value, false
}

// Remove deletes every entry whose value satisfies predicate.
func (t *Table[V]) Remove(predicate func(V) bool) {
	var victims []entry[V]
	t.tree.Ascend(func(e entry[V]) bool {
		if predicate(e.value) {
			victims = append(victims, e)
		}
		return true
	})
	for _, e := range victims {
		t.tree.Delete(e)
	}
}

// Item is one (value, network address, prefix length) triple yielded by
// an Iterator.
type Item[V any] struct {
	Value     V
	Network   netip.Addr
	PrefixLen uint8
}

// Iterator walks a snapshot of the table taken at Iter time. It is finite
// and non-restartable: once exhausted, a new Iterator must be created to
// walk the table again.
type Iterator[V any] struct {
	items []Item[V]
	pos   int
}

// Iter produces a finite, non-restartable sequence over the table's
// current contents. The contents are copied into a snapshot when Iter is
// called, not read lazily as Next advances.
func (t *Table[V]) Iter() *Iterator[V] {
	items := make([]Item[V], 0, t.tree.Len())
	t.tree.Ascend(func(e entry[V]) bool {
		items = append(items, Item[V]{
			Value:     e.value,
			Network:   uint32ToAddr(e.addr),
			PrefixLen: e.prefixLen,
		})
		return true
	})
	return &Iterator[V]{items: items}
}

// Next returns the next item and true, or the zero Item and false once the
// iterator is exhausted.
func (it *Iterator[V]) Next() (Item[V], bool) {
	if it.pos >= len(it.items) {
		return Item[V]{}, false
	}
	item := it.items[it.pos]
	it.pos++
	return item, true
}
