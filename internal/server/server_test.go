package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/5l1v3r1/teredod/internal/server"
	"github.com/5l1v3r1/teredod/internal/teredo"
)

// fakeEngine is a minimal server.StatusProvider double.
type fakeEngine struct {
	role       teredo.Role
	qualified  bool
	phase      teredo.QualPhase
	address    netip.Addr
	serverIPv4 netip.Addr
	peers      []teredo.PeerRecord
}

func (f *fakeEngine) Role() teredo.Role            { return f.role }
func (f *fakeEngine) Qualified() bool              { return f.qualified }
func (f *fakeEngine) QualPhase() teredo.QualPhase  { return f.phase }
func (f *fakeEngine) Address() netip.Addr          { return f.address }
func (f *fakeEngine) ServerIPv4() netip.Addr       { return f.serverIPv4 }
func (f *fakeEngine) Peers() []teredo.PeerRecord   { return f.peers }

// setupTestServer starts an httptest server backed by eng and returns a
// raw Connect client for issuing unary calls against it.
func setupTestServer(t *testing.T, eng server.StatusProvider) *connect.Client[structpb.Struct, structpb.Struct] {
	t.Helper()

	prefix, handler := server.New(eng, nil)
	mux := http.NewServeMux()
	mux.Handle(prefix, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return connect.NewClient[structpb.Struct, structpb.Struct](
		srv.Client(), srv.URL+server.PathGetStatus,
	)
}

func TestGetStatusQualifiedClient(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		role:       teredo.RoleClient,
		qualified:  true,
		phase:      teredo.PhaseQualified,
		address:    netip.MustParseAddr("2001:0:4136:e378::1"),
		serverIPv4: netip.MustParseAddr("192.0.2.1"),
	}
	client := setupTestServer(t, eng)

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}

	fields := resp.Msg.GetFields()
	if fields["role"].GetStringValue() != "client" {
		t.Errorf("role = %q, want client", fields["role"].GetStringValue())
	}
	if !fields["qualified"].GetBoolValue() {
		t.Error("qualified = false, want true")
	}
	if fields["phase"].GetStringValue() != "Qualified" {
		t.Errorf("phase = %q, want Qualified", fields["phase"].GetStringValue())
	}
	if fields["address"].GetStringValue() != eng.address.String() {
		t.Errorf("address = %q, want %q", fields["address"].GetStringValue(), eng.address.String())
	}
}

func TestGetStatusUnqualifiedHasNoAddress(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{role: teredo.RoleClient, phase: teredo.PhaseProbeCone}
	client := setupTestServer(t, eng)

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}

	fields := resp.Msg.GetFields()
	if _, ok := fields["address"]; ok {
		t.Error("address field present for unqualified engine, want absent")
	}
	if fields["qualified"].GetBoolValue() {
		t.Error("qualified = true, want false")
	}
}

func TestListPeers(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	eng := &fakeEngine{
		role: teredo.RoleRelay,
		peers: []teredo.PeerRecord{
			{
				IPv6: netip.MustParseAddr("2001:0:4136:e378::2"),
				State: teredo.TrustedState{
					MappedIPv4: netip.MustParseAddr("198.51.100.9"),
					MappedPort: 40000,
					Replied:    true,
				},
				LastRx: now,
			},
			{
				IPv6:   netip.MustParseAddr("2001:0:4136:e378::3"),
				State:  teredo.ProbingState{},
				LastXmit: now,
			},
		},
	}

	prefix, handler := server.New(eng, nil)
	mux := http.NewServeMux()
	mux.Handle(prefix, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := connect.NewClient[structpb.Struct, structpb.Struct](
		srv.Client(), srv.URL+server.PathListPeers,
	)

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}

	peers := resp.Msg.GetFields()["peers"].GetListValue().GetValues()
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}

	byIPv6 := make(map[string]*structpb.Struct, len(peers))
	for _, v := range peers {
		s := v.GetStructValue()
		byIPv6[s.GetFields()["ipv6"].GetStringValue()] = s
	}

	trusted, ok := byIPv6["2001:0:4136:e378::2"]
	if !ok {
		t.Fatal("trusted peer not found in snapshot")
	}
	if trusted.GetFields()["state"].GetStringValue() != "trusted" {
		t.Errorf("state = %q, want trusted", trusted.GetFields()["state"].GetStringValue())
	}
	if trusted.GetFields()["mapped_ipv4"].GetStringValue() != "198.51.100.9" {
		t.Errorf("mapped_ipv4 = %q, want 198.51.100.9", trusted.GetFields()["mapped_ipv4"].GetStringValue())
	}

	probing, ok := byIPv6["2001:0:4136:e378::3"]
	if !ok {
		t.Fatal("probing peer not found in snapshot")
	}
	if probing.GetFields()["state"].GetStringValue() != "probing" {
		t.Errorf("state = %q, want probing", probing.GetFields()["state"].GetStringValue())
	}
}
