package server_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/5l1v3r1/teredod/internal/server"
	"github.com/5l1v3r1/teredod/internal/teredo"
)

// setupServerWithInterceptors wires a fakeEngine-backed status server with
// the given handler options (interceptors).
func setupServerWithInterceptors(
	t *testing.T,
	opts ...connect.HandlerOption,
) *connect.Client[structpb.Struct, structpb.Struct] {
	t.Helper()

	eng := &fakeEngine{role: teredo.RoleRelay, qualified: true, phase: teredo.PhaseQualified}
	prefix, handler := server.New(eng, slog.New(slog.DiscardHandler), opts...)

	mux := http.NewServeMux()
	mux.Handle(prefix, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return connect.NewClient[structpb.Struct, structpb.Struct](
		srv.Client(), srv.URL+server.PathGetStatus,
	)
}

func TestLoggingInterceptorSuccess(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	client := setupServerWithInterceptors(t, server.LoggingInterceptorOption(logger))

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

func TestRecoveryInterceptorNoPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	client := setupServerWithInterceptors(t, server.RecoveryInterceptorOption(logger))

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

// panicProvider panics on every accessor, to exercise RecoveryInterceptor.
type panicProvider struct{}

func (panicProvider) Role() teredo.Role                   { panic("intentional test panic") }
func (panicProvider) Qualified() bool                     { panic("intentional test panic") }
func (panicProvider) QualPhase() teredo.QualPhase         { panic("intentional test panic") }
func (panicProvider) Address() (a netip.Addr)             { panic("intentional test panic") }
func (panicProvider) ServerIPv4() (a netip.Addr)          { panic("intentional test panic") }
func (panicProvider) Peers() []teredo.PeerRecord          { panic("intentional test panic") }

func TestRecoveryInterceptorPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	prefix, handler := server.New(panicProvider{}, logger, server.RecoveryInterceptorOption(logger))

	mux := http.NewServeMux()
	mux.Handle(prefix, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := connect.NewClient[structpb.Struct, structpb.Struct](
		srv.Client(), srv.URL+server.PathGetStatus,
	)

	_, err := client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
	if err == nil {
		t.Fatal("expected error after panic, got nil")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	if connectErr.Code() != connect.CodeInternal {
		t.Errorf("code = %s, want Internal", connectErr.Code())
	}
}

func TestBothInterceptors(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	client := setupServerWithInterceptors(t,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}
