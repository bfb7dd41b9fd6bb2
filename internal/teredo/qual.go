package teredo

import (
	"net/netip"
	"time"
)

// Qualification timing constants.
const (
	ProbeDelay      = 4 * time.Second
	RestartDelay    = 300 * time.Second
	ServerLossDelay = 35 * time.Second
	ServerPingDelay = 30 * time.Second
)

// QualPhase is one state of the qualification engine.
type QualPhase int

const (
	PhaseProbeCone QualPhase = iota
	PhaseProbeRestricted
	PhaseProbeSymmetric
	PhaseQualified
)

func (p QualPhase) String() string {
	switch p {
	case PhaseProbeCone:
		return "ProbeCone"
	case PhaseProbeRestricted:
		return "ProbeRestricted"
	case PhaseProbeSymmetric:
		return "ProbeSymmetric"
	case PhaseQualified:
		return "Qualified"
	default:
		return "Unknown"
	}
}

// QualState is the qualification state machine's data.
type QualState struct {
	Phase          QualPhase
	Count          int
	NextActionTime time.Time
	ServerDeadline time.Time
	Nonce          [8]byte

	// PendingIPv4/PendingPort hold the mapping reported by the first
	// restricted-NAT Router Advertisement, to compare against the
	// second one received while ProbeSymmetric.
	PendingIPv4 netip.Addr
	PendingPort uint16

	// Address and Cone are the committed values once Phase == Qualified.
	Address netip.Addr
	Cone    bool
}

// QualActionKind enumerates the side effects the engine must perform in
// response to a qualification transition. The transition functions
// themselves are pure; actions are returned for the caller to execute,
// matching the "pure FSM, side effects at the call site" split used for
// this engine's other state machines.
type QualActionKind int

const (
	ActSendRS QualActionKind = iota
	ActNotifyUp
	ActNotifyDown
	ActSymmetricUnsupported
)

// QualAction is one side effect requested by a qualification transition.
type QualAction struct {
	Kind         QualActionKind
	Cone         bool       // ActSendRS: which sentinel source to use
	UseSecondary bool       // ActSendRS: address the server's secondary IPv4
	Address      netip.Addr // ActNotifyUp: the newly committed address
}

// NewQualification returns the initial qualification state: ProbeCone,
// count 0, first probe due after ProbeDelay.
func NewQualification(nonce [8]byte, now time.Time) QualState {
	return QualState{
		Phase:          PhaseProbeCone,
		NextActionTime: now.Add(ProbeDelay),
		Nonce:          nonce,
	}
}

// ApplyProbeTimeout advances the state machine on a probing-phase timer
// expiry. It is a no-op outside the three probing phases.
func ApplyProbeTimeout(s QualState, now time.Time) (QualState, []QualAction) {
	switch s.Phase {
	case PhaseProbeCone:
		s.Count++
		if s.Count >= 4 {
			s.Phase = PhaseProbeRestricted
			s.Count = 0
			s.NextActionTime = now.Add(ProbeDelay)
			return s, []QualAction{{Kind: ActSendRS, Cone: false}}
		}
		s.NextActionTime = now.Add(ProbeDelay)
		return s, []QualAction{{Kind: ActSendRS, Cone: true}}

	case PhaseProbeRestricted:
		s.Count++
		switch {
		case s.Count == 3:
			// Back off for RESTART_DELAY before the next attempt.
			s.NextActionTime = now.Add(RestartDelay)
			return s, nil
		case s.Count >= 4:
			s.Phase = PhaseProbeCone
			s.Count = 0
			s.NextActionTime = now.Add(ProbeDelay)
			return s, []QualAction{{Kind: ActSendRS, Cone: true}}
		default:
			s.NextActionTime = now.Add(ProbeDelay)
			return s, []QualAction{{Kind: ActSendRS, Cone: false}}
		}

	case PhaseProbeSymmetric:
		// Unspecified in the source diagram: a restricted-NAT server
		// that stops answering mid-probe is treated the same as a lost
		// probe in ProbeRestricted — fall back and retry rather than
		// wait forever for a second Router Advertisement.
		s.Phase = PhaseProbeRestricted
		s.Count = 0
		s.NextActionTime = now.Add(ProbeDelay)
		return s, []QualAction{{Kind: ActSendRS, Cone: false}}

	default:
		return s, nil
	}
}

// ApplyRouterAdvertisement drives the qualification machine with a parsed
// Router Advertisement whose Authentication-header nonce has already
// been verified to match s.Nonce by the caller. serverIPv4 is the
// configured Teredo server address, embedded into the committed address
// on qualification (the Router Advertisement itself carries only the
// prefix and, via the Origin Indication, the client's mapped endpoint).
func ApplyRouterAdvertisement(s QualState, ra *RouterAdvertisementInfo, serverIPv4 netip.Addr, now time.Time) (QualState, []QualAction) {
	switch s.Phase {
	case PhaseProbeCone:
		s.Phase = PhaseQualified
		s.Cone = true
		s.Address = BuildTeredoAddress(ra.Prefix, serverIPv4, true, ra.OriginIPv4, ra.OriginPort)
		s.ServerDeadline = now.Add(ServerLossDelay)
		s.NextActionTime = now.Add(ServerPingDelay)
		return s, []QualAction{{Kind: ActNotifyUp, Address: s.Address}}

	case PhaseProbeRestricted:
		s.Phase = PhaseProbeSymmetric
		s.Count = 0
		s.PendingIPv4 = ra.OriginIPv4
		s.PendingPort = ra.OriginPort
		s.NextActionTime = now.Add(ProbeDelay)
		return s, []QualAction{{Kind: ActSendRS, Cone: false, UseSecondary: true}}

	case PhaseProbeSymmetric:
		if ra.OriginIPv4 == s.PendingIPv4 && ra.OriginPort == s.PendingPort {
			s.Phase = PhaseQualified
			s.Cone = false
			s.Address = BuildTeredoAddress(ra.Prefix, serverIPv4, false, ra.OriginIPv4, ra.OriginPort)
			s.ServerDeadline = now.Add(ServerLossDelay)
			s.NextActionTime = now.Add(ServerPingDelay)
			return s, []QualAction{{Kind: ActNotifyUp, Address: s.Address}}
		}
		s.Phase = PhaseProbeCone
		s.Count = 0
		s.NextActionTime = now.Add(RestartDelay)
		return s, []QualAction{{Kind: ActSymmetricUnsupported}}

	default:
		return s, nil
	}
}

// ApplyServerSilence transitions a Qualified engine back to probing when
// the server has been silent for longer than ServerLossDelay.
func ApplyServerSilence(s QualState, now time.Time) (QualState, []QualAction) {
	if s.Phase != PhaseQualified {
		return s, nil
	}
	if now.Sub(s.ServerDeadline) <= 0 {
		return s, nil
	}
	if s.Cone {
		s.Phase = PhaseProbeCone
	} else {
		s.Phase = PhaseProbeRestricted
	}
	s.Count = 0
	s.NextActionTime = now.Add(ProbeDelay)
	return s, []QualAction{{Kind: ActNotifyDown}}
}

// RefreshFromServer refreshes the server-silence deadline on any
// server-origin datagram while Qualified.
func RefreshFromServer(s QualState, now time.Time) QualState {
	s.ServerDeadline = now.Add(ServerLossDelay)
	return s
}

// ApplyServerPingTick emits a keep-alive Router Solicitation every
// ServerPingDelay while Qualified.
func ApplyServerPingTick(s QualState, now time.Time) (QualState, []QualAction) {
	if s.Phase != PhaseQualified {
		return s, nil
	}
	if now.Before(s.NextActionTime) {
		return s, nil
	}
	s.NextActionTime = now.Add(ServerPingDelay)
	return s, []QualAction{{Kind: ActSendRS, Cone: s.Cone}}
}
