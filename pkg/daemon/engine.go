package daemon

import (
	"github.com/nat64io/nat64d/pkg/bib"
	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/packet"
	"github.com/nat64io/nat64d/pkg/pool4"
	"github.com/nat64io/nat64d/pkg/pool6"
)

// Engine is the data-plane surface a forwarding layer drives: it glues
// the prefix store and the address pool onto the session database, one
// call per translated packet. mark is the pool4 group the packet
// classified into.
type Engine struct {
	DB    *bib.DB
	Pool6 *pool6.Pool
	Pool4 *pool4.Pool
}

// masks builds the mask domain a 6-to-4 packet allocates from.
func (e *Engine) masks(mark uint32, proto nat64.Proto, src6 nat64.TransportAddr) *pool4.MaskDomain {
	return e.Pool4.Domain(mark, proto, src6)
}

// dst4 translates the destination of a 6-side tuple.
func (e *Engine) dst4(t6 nat64.Tuple6) (nat64.TransportAddr, error) {
	return e.Pool6.ExtractTransport(t6.Dst6)
}

// dst6 translates the source of a 4-side tuple.
func (e *Engine) dst6(t4 nat64.Tuple4) (nat64.TransportAddr, error) {
	return e.Pool6.EmbedTransport(t4.Src4)
}

// Add6 handles one outbound UDP/ICMP packet.
func (e *Engine) Add6(t6 nat64.Tuple6, mark uint32) (nat64.BIBSession, error) {
	dst4, err := e.dst4(t6)
	if err != nil {
		return nat64.BIBSession{}, err
	}
	return e.DB.Add6(t6, e.masks(mark, t6.Proto, t6.Src6), dst4)
}

// AddTCP6 handles one outbound TCP packet.
func (e *Engine) AddTCP6(t6 nat64.Tuple6, mark uint32, flags packet.TCPFlags) (nat64.BIBSession, error) {
	dst4, err := e.dst4(t6)
	if err != nil {
		return nat64.BIBSession{}, err
	}
	return e.DB.AddTCP6(t6, e.masks(mark, t6.Proto, t6.Src6), dst4, flags, nil)
}

// Add4 handles one inbound UDP/ICMP packet.
func (e *Engine) Add4(t4 nat64.Tuple4) (nat64.BIBSession, error) {
	dst6, err := e.dst6(t4)
	if err != nil {
		return nat64.BIBSession{}, err
	}
	return e.DB.Add4(t4, dst6)
}

// AddTCP4 handles one inbound TCP packet. A nat64.ErrStolen return means
// the database kept pkt; the caller must not forward it.
func (e *Engine) AddTCP4(pkt *packet.Packet) (nat64.BIBSession, error) {
	t4 := pkt.Tuple4()
	dst6, err := e.dst6(t4)
	if err != nil {
		return nat64.BIBSession{}, err
	}
	return e.DB.AddTCP4(t4, dst6, pkt, nil)
}

// Find resolves a 6-side tuple without touching state.
func (e *Engine) Find(t6 nat64.Tuple6) (nat64.BIBSession, error) {
	dst4, err := e.dst4(t6)
	if err != nil {
		return nat64.BIBSession{}, err
	}
	return e.DB.Find6(t6, dst4)
}
