// Package teredo implements the core Teredo tunnel protocol engine (RFC 4380):
// qualification against a Teredo server, a peer table with NAT-traversal
// bubbling and ICMPv6 echo probing, and the bidirectional packet path between
// IPv4/UDP and native IPv6.
//
// The engine is single-threaded and cooperative: Engine.Send, Engine.Receive,
// and Engine.Tick are the only entry points and none of them spawns a
// goroutine or blocks. The caller (typically a daemon event loop) is expected
// to multiplex socket readiness and a ticker into calls to these three
// methods.
package teredo
