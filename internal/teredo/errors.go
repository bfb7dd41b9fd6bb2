package teredo

import "errors"

// Sentinel errors surfaced across the engine's entry points. Callers should
// compare with errors.Is; internal call sites wrap these with fmt.Errorf's
// %w verb to preserve the taxonomy while adding context.
var (
	// ErrMalformed indicates a packet failed to parse and was dropped.
	ErrMalformed = errors.New("teredo: malformed packet")

	// ErrNotRunning indicates Send was called before the engine qualified
	// (clients only; relays are always running).
	ErrNotRunning = errors.New("teredo: engine not qualified")

	// ErrExhausted indicates the peer table has no expired record to
	// recycle and no room for a new one.
	ErrExhausted = errors.New("teredo: peer table exhausted")

	// ErrIoError wraps a transport-level failure that survived the
	// bounded retry in the UDP transport adapter.
	ErrIoError = errors.New("teredo: transport I/O error")

	// ErrNoData indicates a non-blocking receive found nothing ready.
	ErrNoData = errors.New("teredo: no data")

	// ErrSymmetricNATUnsupported names the qualification outcome for a
	// symmetric NAT, which Teredo cannot traverse. No entry point returns
	// it: the engine logs the detection at Warn level and re-probes.
	ErrSymmetricNATUnsupported = errors.New("teredo: symmetric NAT unsupported")

	// ErrInvalidPacket indicates a caller-supplied IPv6 packet failed the
	// Send precondition checks (length bounds, version, Teredo scope).
	ErrInvalidPacket = errors.New("teredo: invalid outbound packet")

	// ErrNoRandomSource indicates the RandomSource failed; qualification and
	// nonce generation cannot proceed without it.
	ErrNoRandomSource = errors.New("teredo: random source unavailable")
)
