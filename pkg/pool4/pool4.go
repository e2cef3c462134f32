// Package pool4 manages the outside IPv4 transport addresses the
// translator may mask inside endpoints with, and hands out per-packet
// mask domains: iterable views over the (address, port) pairs a given
// connection is allowed to draw from.
package pool4

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net/netip"
	"sync"

	"github.com/nat64io/nat64d/pkg/nat64"
)

// PortRange is an inclusive L4 identifier range.
type PortRange struct {
	Min uint16 `json:"min" yaml:"min"`
	Max uint16 `json:"max" yaml:"max"`
}

// Contains reports whether port lies inside the range.
func (r PortRange) Contains(port uint16) bool {
	return r.Min <= port && port <= r.Max
}

func (r PortRange) count() uint64 {
	return uint64(r.Max) - uint64(r.Min) + 1
}

// Range is one (prefix, port range) block of a pool entry.
type Range struct {
	Prefix netip.Prefix
	Ports  PortRange
}

func (r Range) addrCount() uint64 {
	return uint64(1) << (32 - r.Prefix.Bits())
}

func (r Range) count() uint64 {
	return r.addrCount() * r.Ports.count()
}

// contains reports whether the transport address lies inside the block.
func (r Range) contains(a nat64.TransportAddr) bool {
	return r.Prefix.Contains(a.Addr) && r.Ports.Contains(a.Port)
}

// taddr returns the idx-th transport address of the block, address-major
// so that iteration order matches the v4 index ordering.
func (r Range) taddr(idx uint64) nat64.TransportAddr {
	nports := r.Ports.count()
	base := binary.BigEndian.Uint32(r.Prefix.Masked().Addr().AsSlice())
	addr := base + uint32(idx/nports)
	port := r.Ports.Min + uint16(idx%nports)

	var b [4]byte
	binary.BigEndian.PutUint32(b[:], addr)
	return nat64.TransportAddr{Addr: netip.AddrFrom4(b), Port: port}
}

// Entry groups the blocks sharing one mark for one protocol.
type Entry struct {
	Mark   uint32
	Proto  nat64.Proto
	Ranges []Range
}

func (e *Entry) count() uint64 {
	var n uint64
	for _, r := range e.Ranges {
		n += r.count()
	}
	return n
}

// Pool is the set of configured entries. Entries are replaced wholesale
// by configuration; mask domains snapshot the entry they were built from,
// which is what lets a stale binding be detected after a pool change.
type Pool struct {
	mu      sync.RWMutex
	entries []Entry
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{}
}

// Add appends an entry block to the pool.
func (p *Pool) Add(mark uint32, proto nat64.Proto, prefix netip.Prefix, ports PortRange) error {
	if !prefix.Addr().Is4() {
		return fmt.Errorf("%w: pool4 prefix %s is not IPv4", nat64.ErrInvalid, prefix)
	}
	if ports.Min > ports.Max {
		return fmt.Errorf("%w: pool4 port range %d-%d", nat64.ErrInvalid, ports.Min, ports.Max)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		e := &p.entries[i]
		if e.Mark == mark && e.Proto == proto {
			e.Ranges = append(e.Ranges, Range{Prefix: prefix.Masked(), Ports: ports})
			return nil
		}
	}
	p.entries = append(p.entries, Entry{
		Mark:   mark,
		Proto:  proto,
		Ranges: []Range{{Prefix: prefix.Masked(), Ports: ports}},
	})
	return nil
}

// Flush drops every entry.
func (p *Pool) Flush() {
	p.mu.Lock()
	p.entries = nil
	p.mu.Unlock()
}

// TransportAddrCount returns the number of masks the pool can produce
// for a protocol, summed over all marks.
func (p *Pool) TransportAddrCount(proto nat64.Proto) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var n uint64
	for i := range p.entries {
		if p.entries[i].Proto == proto {
			n += p.entries[i].count()
		}
	}
	return n
}

// Domain builds the mask domain for one connection: the candidate masks
// of the (mark, proto) entry, iterated starting from a slot derived from
// the connection's IPv6 source so that consecutive connections spread
// over the pool. Returns nil if the pool has nothing for (mark, proto).
func (p *Pool) Domain(mark uint32, proto nat64.Proto, src6 nat64.TransportAddr) *MaskDomain {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for i := range p.entries {
		e := &p.entries[i]
		if e.Mark != mark || e.Proto != proto {
			continue
		}
		total := e.count()
		if total == 0 {
			return nil
		}
		ranges := make([]Range, len(e.Ranges))
		copy(ranges, e.Ranges)
		return &MaskDomain{
			mark:    mark,
			dynamic: true,
			ranges:  ranges,
			total:   total,
			offset:  connHash(src6) % total,
		}
	}
	return nil
}

// connHash derives the iteration offset from the inside endpoint, so one
// endpoint's retries probe the same region of the pool first.
func connHash(src6 nat64.TransportAddr) uint64 {
	h := fnv.New64a()
	b := src6.Addr.As16()
	h.Write(b[:])
	var pb [2]byte
	binary.BigEndian.PutUint16(pb[:], src6.Port)
	h.Write(pb[:])
	return h.Sum64()
}

// MaskDomain iterates the candidate outside transport addresses of one
// connection. It is single-use and not safe for concurrent use.
type MaskDomain struct {
	mark    uint32
	dynamic bool
	ranges  []Range
	total   uint64
	offset  uint64
	step    uint64

	prev    nat64.TransportAddr
	prevSet bool
}

// Mark returns the pool4 mark the domain was built for.
func (m *MaskDomain) Mark() uint32 { return m.mark }

// IsDynamic reports whether the domain's masks come from a live pool
// entry, meaning a binding outside the domain is stale and must be
// re-allocated.
func (m *MaskDomain) IsDynamic() bool { return m.dynamic }

// Next yields the next candidate. consecutive reports that the candidate
// is the immediate ordered successor of the previous one, which lets the
// allocator skip a full index search. ok is false once every candidate
// has been offered.
func (m *MaskDomain) Next() (taddr nat64.TransportAddr, consecutive bool, ok bool) {
	if m.step >= m.total {
		return nat64.TransportAddr{}, false, false
	}
	idx := (m.offset + m.step) % m.total
	m.step++

	for _, r := range m.ranges {
		if c := r.count(); idx >= c {
			idx -= c
			continue
		}
		taddr = r.taddr(idx)
		break
	}

	consecutive = m.prevSet &&
		taddr.Addr == m.prev.Addr &&
		uint32(taddr.Port) == uint32(m.prev.Port)+1
	m.prev = taddr
	m.prevSet = true
	return taddr, consecutive, true
}

// Matches reports whether the transport address is one of the domain's
// candidates.
func (m *MaskDomain) Matches(a nat64.TransportAddr) bool {
	for _, r := range m.ranges {
		if r.contains(a) {
			return true
		}
	}
	return false
}
