// Package server implements the ConnectRPC introspection service for
// teredod: a read-only status surface over the engine's qualification
// state, assigned address, and peer-table snapshot.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/5l1v3r1/teredod/internal/teredo"
)

// serviceName is the Connect procedure namespace for the status service.
// There is no .proto-generated package backing it, so procedures are
// addressed directly rather than through codegen.
const serviceName = "teredo.v1.TeredoStatusService"

const (
	// PathGetStatus is the full Connect procedure path for GetStatus.
	PathGetStatus = "/" + serviceName + "/GetStatus"
	// PathListPeers is the full Connect procedure path for ListPeers.
	PathListPeers = "/" + serviceName + "/ListPeers"
)

// StatusProvider is the read-only subset of *teredo.Engine the status
// service needs. Declaring it as an interface keeps this package testable
// without a live UDP transport.
type StatusProvider interface {
	Role() teredo.Role
	Qualified() bool
	QualPhase() teredo.QualPhase
	Address() netip.Addr
	ServerIPv4() netip.Addr
	Peers() []teredo.PeerRecord
}

// TeredoStatusServer implements the introspection RPCs over a StatusProvider.
type TeredoStatusServer struct {
	engine StatusProvider
	logger *slog.Logger
}

// New builds the introspection handler and the subtree path it should be
// mounted at in the caller's http.ServeMux, e.g.:
//
//	prefix, handler := server.New(engine, logger)
//	mux.Handle(prefix, handler)
func New(engine StatusProvider, logger *slog.Logger, opts ...connect.HandlerOption) (string, http.Handler) {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &TeredoStatusServer{
		engine: engine,
		logger: logger.With(slog.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.Handle(PathGetStatus, connect.NewUnaryHandler(PathGetStatus, srv.getStatus, opts...))
	mux.Handle(PathListPeers, connect.NewUnaryHandler(PathListPeers, srv.listPeers, opts...))

	return "/" + serviceName + "/", mux
}

// getStatus reports qualification phase, assigned address, and role.
func (s *TeredoStatusServer) getStatus(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	s.logger.DebugContext(ctx, "GetStatus called")

	queriedAt := timestamppb.Now()

	fields := map[string]any{
		"role":            s.engine.Role().String(),
		"qualified":       s.engine.Qualified(),
		"phase":           s.engine.QualPhase().String(),
		"peer_count":      float64(len(s.engine.Peers())),
		"queried_at_unix": float64(queriedAt.AsTime().Unix()),
	}
	if addr := s.engine.Address(); addr.IsValid() {
		fields["address"] = addr.String()
	}
	if server := s.engine.ServerIPv4(); server.IsValid() {
		fields["server_ipv4"] = server.String()
	}

	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(payload), nil
}

// listPeers returns a snapshot of the live peer table.
func (s *TeredoStatusServer) listPeers(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	s.logger.DebugContext(ctx, "ListPeers called")

	snapshot := s.engine.Peers()
	peers := make([]any, 0, len(snapshot))
	for _, rec := range snapshot {
		peers = append(peers, peerToMap(rec))
	}

	payload, err := structpb.NewStruct(map[string]any{
		"peers": peers,
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(payload), nil
}

// peerToMap converts a teredo.PeerRecord into a JSON-shaped map suitable
// for structpb.NewStruct.
func peerToMap(rec teredo.PeerRecord) map[string]any {
	m := map[string]any{
		"ipv6":       rec.IPv6.String(),
		"last_rx":    formatTime(rec.LastRx),
		"last_xmit":  formatTime(rec.LastXmit),
		"has_queued": rec.QueuedPacket != nil,
	}

	switch st := rec.State.(type) {
	case teredo.ProbingState:
		m["state"] = "probing"
	case teredo.BubblingState:
		m["state"] = "bubbling"
		m["bubbles_sent"] = float64(st.BubblesSent)
	case teredo.TrustedState:
		m["state"] = "trusted"
		m["mapped_ipv4"] = st.MappedIPv4.String()
		m["mapped_port"] = float64(st.MappedPort)
		m["replied"] = st.Replied
	default:
		m["state"] = "new"
	}

	return m
}

// NewHealthHandler builds the standard gRPC health-checking protocol
// handler, reporting serviceName as always serving: the introspection
// service has no degraded mode short of the process not running at all.
// Mount it at its own subtree alongside the path New returns.
func NewHealthHandler() (string, http.Handler) {
	checker := grpchealth.NewStaticChecker(serviceName)
	return grpchealth.NewHandler(checker)
}

// formatTime renders a timestamp as RFC 3339, or the empty string for the
// zero value. structpb has no native timestamp kind, so peer timestamps
// in the snapshot are carried as strings rather than as timestamppb
// messages (the top-level query time uses timestamppb directly instead).
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
