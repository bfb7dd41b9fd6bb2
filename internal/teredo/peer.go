package teredo

import (
	"net/netip"
	"time"
)

// Timing constants governing peer lifetime and bubble pacing.
const (
	TeredoTimeout     = 30 * time.Second // peer expiry
	BubbleMinInterval = 2 * time.Second
	BubbleWindow      = 30 * time.Second
	BubbleWindowMax   = 3
)

// DefaultPeerTableCapacity bounds the peer table so exhaustion is
// representable under memory pressure.
const DefaultPeerTableCapacity = 4096

// PeerState is a tagged record replacing bit-packed peer flags: exactly
// one of ProbingState, BubblingState, or TrustedState is active at a
// time, eliminating the nonce_pending versus mapped-address coupling a
// bit-packed form only enforces by convention. A nil State means the
// record was just allocated and has not yet been populated by the
// caller.
type PeerState interface {
	peerState()
}

// ProbingState is held by a peer created for an ICMPv6 echo reachability
// probe (native-IPv6 destinations, and the client fallback case) while
// waiting for a matching Echo Reply.
type ProbingState struct {
	Nonce [8]byte
}

func (ProbingState) peerState() {}

// BubblingState is held by a non-cone Teredo peer while NAT-hole-punching
// bubbles are in flight and the peer is not yet trusted.
type BubblingState struct {
	BubblesSent int
	WindowStart time.Time
	LastBubble  time.Time
}

func (BubblingState) peerState() {}

// TrustedState is held by a peer whose mapped UDP endpoint is verified:
// either a cone peer (trusted immediately from its advertised address) or
// a peer promoted after a successful bubble/echo exchange.
type TrustedState struct {
	MappedIPv4 netip.Addr
	MappedPort uint16
	Replied    bool
}

func (TrustedState) peerState() {}

// PeerRecord is one entry in the peer table.
type PeerRecord struct {
	IPv6         netip.Addr
	State        PeerState
	LastRx       time.Time
	LastXmit     time.Time
	QueuedPacket []byte
}

// Trusted reports whether the peer's mapped endpoint is verified.
func (r *PeerRecord) Trusted() bool {
	_, ok := r.State.(TrustedState)
	return ok
}

// MappedEndpoint returns the peer's verified UDP endpoint, if trusted.
func (r *PeerRecord) MappedEndpoint() (netip.Addr, uint16, bool) {
	if t, ok := r.State.(TrustedState); ok {
		return t.MappedIPv4, t.MappedPort, true
	}
	return netip.Addr{}, 0, false
}

// replied reports whether the peer has sent any traffic back yet; it
// governs which timestamp the expiry policy consults.
func (r *PeerRecord) replied() bool {
	t, ok := r.State.(TrustedState)
	return ok && t.Replied
}

// CanSendBubble reports whether a bubble may be emitted to this peer now,
// honoring the pacing invariant: at most one every BubbleMinInterval, and
// at most BubbleWindowMax within any BubbleWindow.
func (r *PeerRecord) CanSendBubble(now time.Time) bool {
	b, ok := r.State.(BubblingState)
	if !ok {
		return true
	}
	if now.Sub(b.WindowStart) > BubbleWindow {
		return true
	}
	if b.BubblesSent >= BubbleWindowMax {
		return false
	}
	if !b.LastBubble.IsZero() && now.Sub(b.LastBubble) < BubbleMinInterval {
		return false
	}
	return true
}

// RegisterBubbleSent records that a bubble was just emitted, sliding the
// rate-limit window forward when it has elapsed.
func (r *PeerRecord) RegisterBubbleSent(now time.Time) {
	b, ok := r.State.(BubblingState)
	if !ok || now.Sub(b.WindowStart) > BubbleWindow {
		b = BubblingState{WindowStart: now}
	}
	b.BubblesSent++
	b.LastBubble = now
	r.State = b
}

// PeerTable is the engine's unordered collection of peer records, keyed
// by full IPv6 address. It is not safe for concurrent use; it is only
// ever touched from within a Send/Receive/Tick call.
type PeerTable struct {
	capacity int
	records  map[netip.Addr]*PeerRecord
	clock    Clock
}

// NewPeerTable creates a table bounded to capacity entries.
func NewPeerTable(capacity int, clock Clock) *PeerTable {
	return &PeerTable{
		capacity: capacity,
		records:  make(map[netip.Addr]*PeerRecord),
		clock:    clock,
	}
}

// Len returns the number of live (not necessarily unexpired) entries.
func (t *PeerTable) Len() int { return len(t.records) }

// expired reports whether r's most-recent-relevant timestamp lies more
// than TeredoTimeout in the past.
func (t *PeerTable) expired(r *PeerRecord) bool {
	last := r.LastXmit
	if r.replied() {
		last = r.LastRx
	}
	return t.clock.Now().Sub(last) > TeredoTimeout
}

// Find returns a non-expired record for ipv6, if any. An expired record
// is logically absent.
func (t *PeerTable) Find(ipv6 netip.Addr) (*PeerRecord, bool) {
	r, ok := t.records[ipv6]
	if !ok || t.expired(r) {
		return nil, false
	}
	return r, true
}

// Snapshot returns a copy of every non-expired record, for introspection
// callers that must not hold references into the live table across a
// Send/Receive/Tick boundary.
func (t *PeerTable) Snapshot() []PeerRecord {
	out := make([]PeerRecord, 0, len(t.records))
	for _, r := range t.records {
		if t.expired(r) {
			continue
		}
		out = append(out, *r)
	}
	return out
}

// Allocate returns a record for ipv6: it first scans for any expired
// record and recycles its slot (clearing all prior state), and only
// creates a fresh record if none is expired. It fails with ErrExhausted
// if the table is at capacity and nothing is eligible for recycling.
func (t *PeerTable) Allocate(ipv6 netip.Addr) (*PeerRecord, error) {
	for key, r := range t.records {
		if t.expired(r) {
			delete(t.records, key)
			*r = PeerRecord{IPv6: ipv6}
			t.records[ipv6] = r
			return r, nil
		}
	}

	if len(t.records) >= t.capacity {
		return nil, ErrExhausted
	}

	r := &PeerRecord{IPv6: ipv6}
	t.records[ipv6] = r
	return r, nil
}
