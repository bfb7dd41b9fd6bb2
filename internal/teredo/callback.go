package teredo

import "net/netip"

// StateChange describes a qualification transition delivered to a
// StateCallback.
type StateChange struct {
	// Up is true when the engine has just qualified (or re-qualified) and
	// Address is its newly committed Teredo address. Up is false when the
	// engine has lost its server and fallen back to probing, in which case
	// Address is the zero value.
	Up      bool
	Address netip.Addr
}

// StateCallback is invoked synchronously by Engine.Tick/Receive whenever
// the qualification phase commits or loses its address. The engine never
// runs internal goroutines, so there is no consumer goroutine to
// decouple from: the callback is called in-line from whichever entry
// point (Receive or Tick) produced the transition. State is
// already committed to QualState before the callback runs, so a callback
// that re-enters the engine (e.g., to read its current address) observes
// consistent data.
//
// Callbacks must not block; there is nothing else advancing the engine
// while one runs.
type StateCallback func(change StateChange)

// dispatch invokes cb for every ActNotifyUp/ActNotifyDown action in
// actions, translating each into a StateChange. It is a no-op if cb is
// nil.
func dispatch(cb StateCallback, actions []QualAction) {
	if cb == nil {
		return
	}
	for _, a := range actions {
		switch a.Kind {
		case ActNotifyUp:
			cb(StateChange{Up: true, Address: a.Address})
		case ActNotifyDown:
			cb(StateChange{Up: false})
		}
	}
}
