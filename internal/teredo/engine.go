package teredo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"
)

// Role distinguishes the two endpoint kinds the engine can run as: a
// qualifying Teredo client, or an always-running relay bridging native
// IPv6 and Teredo clients.
type Role int

const (
	RoleClient Role = iota
	RoleRelay
)

func (r Role) String() string {
	if r == RoleRelay {
		return "relay"
	}
	return "client"
}

// RandomSource fills p with cryptographic-quality random bytes, used for
// qualification and peer-probe nonces. Callers treat a non-nil error as
// fatal to the operation in progress.
type RandomSource interface {
	Read(p []byte) (n int, err error)
}

// DeliverFunc hands a decapsulated IPv6 datagram to the host stack.
type DeliverFunc func(ipv6 []byte) error

// ClientConfig configures an Engine running as a Teredo client.
type ClientConfig struct {
	ServerIPv4 netip.Addr
}

// RelayConfig configures an Engine running as a relay.
type RelayConfig struct {
	Prefix uint32
	Cone   bool
}

// Engine is the single-threaded Teredo protocol core: all state
// mutation happens synchronously inside Send, Receive, or Tick.
// It holds no goroutines of its own; a driver outside this package is
// expected to multiplex socket readiness and timer ticks into calls on
// these three entry points.
type Engine struct {
	role       Role
	transport  *UDPTransport
	peers      *PeerTable
	clock      Clock
	rand       RandomSource
	deliver    DeliverFunc
	onState    StateCallback
	logger     *slog.Logger
	serverIPv4 netip.Addr

	qual    QualState
	address netip.Addr
	ownCone bool
	prefix  uint32 // relay: fixed from config; client: derived from address once qualified
}

// NewClientEngine builds an Engine that must qualify against cfg.ServerIPv4
// before Send will accept outbound traffic. Call Start once the engine is
// wired to issue the first Router Solicitation.
func NewClientEngine(cfg ClientConfig, transport *UDPTransport, peers *PeerTable, clock Clock, rnd RandomSource, deliver DeliverFunc, onState StateCallback, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var nonce [8]byte
	if _, err := rnd.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating qualification nonce: %w", errors.Join(ErrNoRandomSource, err))
	}
	return &Engine{
		role:       RoleClient,
		transport:  transport,
		peers:      peers,
		clock:      clock,
		rand:       rnd,
		deliver:    deliver,
		onState:    onState,
		logger:     logger.With(slog.String("component", "teredo-engine"), slog.String("role", "client")),
		serverIPv4: cfg.ServerIPv4,
		qual:       NewQualification(nonce, clock.Now()),
		prefix:     UnassignedPrefix,
	}, nil
}

// NewRelayEngine builds an Engine that skips qualification entirely and
// is always running: a relay never loses its qualified state.
func NewRelayEngine(cfg RelayConfig, transport *UDPTransport, peers *PeerTable, clock Clock, deliver DeliverFunc, onState StateCallback, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		role:      RoleRelay,
		transport: transport,
		peers:     peers,
		clock:     clock,
		deliver:   deliver,
		onState:   onState,
		logger:    logger.With(slog.String("component", "teredo-engine"), slog.String("role", "relay")),
		ownCone:   cfg.Cone,
		prefix:    cfg.Prefix,
		qual:      QualState{Phase: PhaseQualified},
	}
}

// Qualified reports whether the engine may originate traffic: always true
// for relays, true for clients once the qualification phase has committed
// an address.
func (e *Engine) Qualified() bool {
	return e.role == RoleRelay || e.qual.Phase == PhaseQualified
}

// Address returns the engine's committed Teredo address. It is the zero
// value for a relay or an unqualified client.
func (e *Engine) Address() netip.Addr { return e.address }

// Role reports whether the engine is running as a client or a relay.
func (e *Engine) Role() Role { return e.role }

// QualPhase returns the current qualification phase. It is always
// PhaseQualified for a relay.
func (e *Engine) QualPhase() QualPhase { return e.qual.Phase }

// Peers returns a point-in-time snapshot of the live peer table, for
// introspection callers outside the Send/Receive/Tick loop.
func (e *Engine) Peers() []PeerRecord { return e.peers.Snapshot() }

// ServerIPv4 returns the configured Teredo server address (client mode
// only; the zero value for a relay).
func (e *Engine) ServerIPv4() netip.Addr { return e.serverIPv4 }

// Start issues the engine's first qualification probe. It is a no-op for
// relays.
func (e *Engine) Start() error {
	if e.role == RoleRelay {
		return nil
	}
	e.logger.Debug("starting qualification", slog.String("phase", e.qual.Phase.String()))
	return e.sendRS(QualAction{Kind: ActSendRS, Cone: true})
}

// sendRS emits one Router Solicitation per a, addressed to the server's
// primary or secondary IPv4 as requested.
func (e *Engine) sendRS(a QualAction) error {
	dest := e.serverIPv4
	if a.UseSecondary {
		dest = secondaryServerAddr(e.serverIPv4)
	}
	rs := BuildRouterSolicitation(a.Cone, e.qual.Nonce)
	iovec := Emit(rs.Auth, nil, rs.IPv6Packet)
	if err := e.transport.Send(dest, ServicePort, iovec); err != nil {
		e.logger.Warn("router solicitation send failed", slog.Any("error", err))
		return err
	}
	return nil
}

// handleQualActions executes the side effects requested by a qualification
// transition. The state commit (e.qual, e.address, e.prefix, e.ownCone)
// always happens in the caller before this runs, so a re-entrant
// StateCallback observes consistent data.
func (e *Engine) handleQualActions(actions []QualAction) {
	for _, a := range actions {
		switch a.Kind {
		case ActSendRS:
			_ = e.sendRS(a)
		case ActNotifyUp:
			e.logger.Info("teredo qualified", slog.String("address", a.Address.String()))
			dispatch(e.onState, []QualAction{a})
		case ActNotifyDown:
			e.logger.Info("teredo server lost, re-probing")
			dispatch(e.onState, []QualAction{a})
		case ActSymmetricUnsupported:
			e.logger.Warn("symmetric NAT detected, qualification unsupported")
		}
	}
}

// commitQualState installs a new qualification state, updating the
// derived address/prefix/cone fields whenever the phase has just become
// Qualified.
func (e *Engine) commitQualState(s QualState) {
	e.qual = s
	if s.Phase == PhaseQualified {
		e.address = s.Address
		e.ownCone = s.Cone
		e.prefix = AddrPrefix32(s.Address)
	}
}

// Tick advances the qualification timer: retransmitting probes, detecting
// a lost server, and emitting server keep-alives. It is a no-op for
// relays.
func (e *Engine) Tick() error {
	if e.role == RoleRelay {
		return nil
	}
	now := e.clock.Now()

	if e.qual.Phase == PhaseQualified {
		if s, actions := ApplyServerSilence(e.qual, now); len(actions) > 0 {
			e.commitQualState(s)
			e.handleQualActions(actions)
			return nil
		}
		if s, actions := ApplyServerPingTick(e.qual, now); len(actions) > 0 {
			e.commitQualState(s)
			e.handleQualActions(actions)
		}
		return nil
	}

	if now.Before(e.qual.NextActionTime) {
		return nil
	}
	s, actions := ApplyProbeTimeout(e.qual, now)
	e.commitQualState(s)
	e.handleQualActions(actions)
	return nil
}

// split16 returns the 16-byte IPv6 address stored at buf[off:off+16] as a
// netip.Addr (offset 8 is an IPv6 header's source, 24 its destination).
func split16(buf []byte, off int) netip.Addr {
	var b [16]byte
	copy(b[:], buf[off:off+16])
	return netip.AddrFrom16(b)
}

// validateOutbound applies the Send precondition checks.
func validateOutbound(ipv6 []byte) (src, dst netip.Addr, err error) {
	if len(ipv6) < MinIPv6Len || len(ipv6) > MaxUDPPayload {
		return netip.Addr{}, netip.Addr{}, ErrInvalidPacket
	}
	if ipv6[0]>>4 != 6 {
		return netip.Addr{}, netip.Addr{}, ErrInvalidPacket
	}
	plen := int(binary.BigEndian.Uint16(ipv6[4:6]))
	if ipv6HeaderLen+plen != len(ipv6) {
		return netip.Addr{}, netip.Addr{}, ErrInvalidPacket
	}
	return split16(ipv6, 8), split16(ipv6, 24), nil
}

// Send encapsulates and forwards one outbound IPv6 datagram, based on the
// destination's reachability state: straight to a trusted peer's mapping,
// an echo probe through the server for a native IPv6 destination, directly
// to a cone Teredo peer, or queued behind bubbles for a non-cone peer.
func (e *Engine) Send(ipv6 []byte) error {
	if !e.Qualified() {
		return ErrNotRunning
	}

	src, dst, err := validateOutbound(ipv6)
	if err != nil {
		return err
	}

	teredoPrefix := e.prefix
	if !IsTeredo(src, teredoPrefix) && !IsTeredo(dst, teredoPrefix) {
		return ErrInvalidPacket
	}

	now := e.clock.Now()

	// Case 1: known trusted peer.
	if peer, ok := e.peers.Find(dst); ok {
		if mappedIPv4, mappedPort, ok := peer.MappedEndpoint(); ok {
			if err := e.transport.Send(mappedIPv4, mappedPort, [][]byte{ipv6}); err != nil {
				return err
			}
			peer.LastXmit = now
			return nil
		}
	}

	// Case 2: native IPv6 destination — direct-connectivity echo probe.
	if !IsTeredo(dst, teredoPrefix) {
		if e.role == RoleRelay {
			return nil // relays do not originate to native IPv6 peers.
		}
		peer, ok := e.peers.Find(dst)
		if !ok {
			var aerr error
			peer, aerr = e.peers.Allocate(dst)
			if aerr != nil {
				return aerr
			}
		}
		ps, alreadyProbing := peer.State.(ProbingState)
		if !alreadyProbing {
			var nonce [8]byte
			if _, err := e.rand.Read(nonce[:]); err != nil {
				return fmt.Errorf("generating probe nonce: %w", errors.Join(ErrNoRandomSource, err))
			}
			ps = ProbingState{Nonce: nonce}
			peer.State = ps
		}
		peer.QueuedPacket = ipv6
		peer.LastXmit = now
		req := BuildEchoRequest(e.address, dst, ps.Nonce)
		return e.transport.Send(e.serverIPv4, ServicePort, [][]byte{req})
	}

	// Case 3: Teredo destination with an invalid embedded server address.
	srvIPv4 := AddrServerIPv4(dst)
	if !IsGloballyRoutableUnicast(srvIPv4) {
		return nil
	}

	mappedIPv4 := AddrMappedIPv4(dst)
	mappedPort := AddrMappedPort(dst)

	// Case 4: cone Teredo peer — trust immediately.
	if AddrConeFlag(dst) {
		peer, ok := e.peers.Find(dst)
		if !ok {
			var aerr error
			peer, aerr = e.peers.Allocate(dst)
			if aerr != nil {
				return aerr
			}
		}
		peer.State = TrustedState{MappedIPv4: mappedIPv4, MappedPort: mappedPort}
		peer.LastXmit = now
		return e.transport.Send(mappedIPv4, mappedPort, [][]byte{ipv6})
	}

	// Case 5: non-cone Teredo peer — queue and bubble.
	peer, ok := e.peers.Find(dst)
	if !ok {
		peer, err = e.peers.Allocate(dst)
		if err != nil {
			return err
		}
	}
	if peer.State == nil {
		peer.State = BubblingState{}
	}
	peer.QueuedPacket = ipv6

	if !peer.CanSendBubble(now) {
		return nil
	}
	bubble := BuildBubble(e.address, dst)
	if err := e.transport.Send(mappedIPv4, mappedPort, [][]byte{bubble}); err != nil {
		return err
	}
	peer.RegisterBubbleSent(now)
	peer.LastXmit = now

	if !e.ownCone {
		// Behind a restricted NAT ourselves: also send an indirect bubble
		// through the peer's own Teredo server to open the return path.
		_ = e.transport.Send(srvIPv4, ServicePort, [][]byte{bubble})
	}
	return nil
}

// isFromServer reports whether pkt arrived from the configured Teredo
// server (clients only).
func (e *Engine) isFromServer(pkt *ParsedPacket) bool {
	return e.role == RoleClient && pkt.SourceIPv4 == e.serverIPv4 && pkt.SourcePort == ServicePort
}

// Receive pulls and processes one inbound UDP datagram, dispatching on
// qualification state and source. It returns ErrNoData when nothing is
// ready.
func (e *Engine) Receive() error {
	pkt, err := e.transport.Recv()
	if err != nil {
		return err
	}
	now := e.clock.Now()

	if !e.Qualified() {
		return e.receiveQualifying(pkt, now)
	}
	if e.isFromServer(pkt) {
		return e.receiveFromServer(pkt, now)
	}
	return e.receiveFromPeer(pkt, now)
}

// receiveQualifying handles case 1: pre-qualification traffic must be an
// authenticated Router Advertisement answering the outstanding nonce.
func (e *Engine) receiveQualifying(pkt *ParsedPacket, now time.Time) error {
	if pkt.Auth == nil || pkt.Auth.Nonce != e.qual.Nonce || pkt.Auth.Conf != 0 {
		return nil // unauthenticated or unsolicited, dropped silently
	}
	ra, err := ParseRouterAdvertisement(pkt)
	if err != nil {
		return nil // malformed RA dropped silently
	}
	s, actions := ApplyRouterAdvertisement(e.qual, ra, e.serverIPv4, now)
	e.commitQualState(s)
	e.handleQualActions(actions)
	return nil
}

// receiveFromServer handles case 2: server-origin traffic refreshes the
// loss deadline, re-commits the address on a changed mapping, and opens
// the return path to any Origin-Indication-named peer.
func (e *Engine) receiveFromServer(pkt *ParsedPacket, now time.Time) error {
	e.qual = RefreshFromServer(e.qual, now)

	if ra, err := ParseRouterAdvertisement(pkt); err == nil {
		newAddr := BuildTeredoAddress(ra.Prefix, e.serverIPv4, e.qual.Cone, ra.OriginIPv4, ra.OriginPort)
		if newAddr != e.address {
			e.qual.Address = newAddr
			e.address = newAddr
			e.prefix = AddrPrefix32(newAddr)
			e.logger.Info("teredo mapping changed", slog.String("address", newAddr.String()))
			dispatch(e.onState, []QualAction{{Kind: ActNotifyUp, Address: newAddr}})
		}
	}

	if pkt.Origin != nil {
		// The Origin Indication names only an IPv4:port, not the peer's
		// Teredo address; the bubble's IPv6 header is irrelevant to NAT
		// hole-punching, so it is addressed to ourselves as a placeholder.
		bubble := BuildBubble(e.address, e.address)
		_ = e.transport.Send(pkt.Origin.IPv4, pkt.Origin.Port, [][]byte{bubble})
	}

	// Server-origin data packets are otherwise ignored.
	return nil
}

// receiveFromPeer handles cases 3-5: traffic from anyone other than the
// configured server, dispatched by peer-table lookup and source-address
// matching.
func (e *Engine) receiveFromPeer(pkt *ParsedPacket, now time.Time) error {
	if len(pkt.IPv6Payload) < MinIPv6Len {
		return nil
	}
	srcIPv6 := split16(pkt.IPv6Payload, 8)

	if peer, ok := e.peers.Find(srcIPv6); ok {
		if mappedIPv4, mappedPort, ok := peer.MappedEndpoint(); ok {
			if mappedIPv4 == pkt.SourceIPv4 && mappedPort == pkt.SourcePort {
				t := peer.State.(TrustedState)
				t.Replied = true
				peer.State = t
				peer.LastRx = now
				return e.deliver(pkt.IPv6Payload)
			}
		} else if ps, ok := peer.State.(ProbingState); ok {
			if CheckPing(pkt.IPv6Payload, ps.Nonce) {
				peer.State = TrustedState{MappedIPv4: pkt.SourceIPv4, MappedPort: pkt.SourcePort, Replied: true}
				peer.LastRx = now
				if queued := peer.QueuedPacket; len(queued) > 0 {
					peer.QueuedPacket = nil
					return e.transport.Send(pkt.SourceIPv4, pkt.SourcePort, [][]byte{queued})
				}
				return nil
			}
		}
	}

	// Case 4: unknown Teredo source whose embedded endpoint matches the
	// observed UDP source.
	if IsTeredo(srcIPv6, e.prefix) && MatchesEndpoint(srcIPv6, pkt.SourceIPv4, pkt.SourcePort) {
		if e.role == RoleRelay {
			return nil // relays drop, to avoid triangulation through the wrong relay.
		}
		peer, ok := e.peers.Find(srcIPv6)
		if !ok {
			var err error
			peer, err = e.peers.Allocate(srcIPv6)
			if err != nil {
				return err
			}
		}
		peer.State = TrustedState{MappedIPv4: pkt.SourceIPv4, MappedPort: pkt.SourcePort, Replied: true}
		peer.LastRx = now
		if queued := peer.QueuedPacket; len(queued) > 0 {
			peer.QueuedPacket = nil
			if err := e.transport.Send(pkt.SourceIPv4, pkt.SourcePort, [][]byte{queued}); err != nil {
				return err
			}
		}
		if IsBubble(pkt.IPv6Payload) {
			return nil // consumed silently
		}
		return e.deliver(pkt.IPv6Payload)
	}

	// Case 5: client fallback for an unrecognized source.
	if e.role == RoleRelay {
		return nil
	}
	peer, ok := e.peers.Find(srcIPv6)
	if !ok {
		var err error
		peer, err = e.peers.Allocate(srcIPv6)
		if err != nil {
			return err
		}
	}
	ps, alreadyProbing := peer.State.(ProbingState)
	if !alreadyProbing {
		var nonce [8]byte
		if _, err := e.rand.Read(nonce[:]); err != nil {
			return fmt.Errorf("generating probe nonce: %w", errors.Join(ErrNoRandomSource, err))
		}
		ps = ProbingState{Nonce: nonce}
		peer.State = ps
	}
	peer.LastXmit = now
	req := BuildEchoRequest(e.address, srcIPv6, ps.Nonce)
	return e.transport.Send(pkt.SourceIPv4, pkt.SourcePort, [][]byte{req})
}
