package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// statusView is the JSON-friendly shape of a GetStatus response, decoupled
// from the raw structpb getters the same way the daemon's own JSON view
// types decouple from generated protobuf accessors.
type statusView struct {
	Role       string `json:"role"`
	Qualified  bool   `json:"qualified"`
	Phase      string `json:"phase"`
	Address    string `json:"address,omitempty"`
	ServerIPv4 string `json:"server_ipv4,omitempty"`
	PeerCount  int    `json:"peer_count"`
}

type peerView struct {
	IPv6        string `json:"ipv6"`
	State       string `json:"state"`
	HasQueued   bool   `json:"has_queued"`
	MappedIPv4  string `json:"mapped_ipv4,omitempty"`
	MappedPort  int    `json:"mapped_port,omitempty"`
	BubblesSent int    `json:"bubbles_sent,omitempty"`
	Replied     bool   `json:"replied,omitempty"`
	LastRx      string `json:"last_rx,omitempty"`
	LastXmit    string `json:"last_xmit,omitempty"`
}

func statusToView(fields *structpb.Struct) statusView {
	f := fields.GetFields()
	return statusView{
		Role:       f["role"].GetStringValue(),
		Qualified:  f["qualified"].GetBoolValue(),
		Phase:      f["phase"].GetStringValue(),
		Address:    f["address"].GetStringValue(),
		ServerIPv4: f["server_ipv4"].GetStringValue(),
		PeerCount:  int(f["peer_count"].GetNumberValue()),
	}
}

func peersToView(payload *structpb.Struct) []peerView {
	raw := payload.GetFields()["peers"].GetListValue().GetValues()
	views := make([]peerView, 0, len(raw))
	for _, v := range raw {
		f := v.GetStructValue().GetFields()
		views = append(views, peerView{
			IPv6:        f["ipv6"].GetStringValue(),
			State:       f["state"].GetStringValue(),
			HasQueued:   f["has_queued"].GetBoolValue(),
			MappedIPv4:  f["mapped_ipv4"].GetStringValue(),
			MappedPort:  int(f["mapped_port"].GetNumberValue()),
			BubblesSent: int(f["bubbles_sent"].GetNumberValue()),
			Replied:     f["replied"].GetBoolValue(),
			LastRx:      f["last_rx"].GetStringValue(),
			LastXmit:    f["last_xmit"].GetStringValue(),
		})
	}
	return views
}

func formatStatus(payload *structpb.Struct, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(statusToView(payload), "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal status to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		return formatStatusTable(payload), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatPeers(payload *structpb.Struct, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(peersToView(payload), "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal peers to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		return formatPeersTable(payload), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatStatusTable(payload *structpb.Struct) string {
	v := statusToView(payload)
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Role:\t%s\n", v.Role)
	fmt.Fprintf(w, "Qualified:\t%t\n", v.Qualified)
	fmt.Fprintf(w, "Phase:\t%s\n", v.Phase)
	fmt.Fprintf(w, "Address:\t%s\n", orNA(v.Address))
	fmt.Fprintf(w, "Server IPv4:\t%s\n", orNA(v.ServerIPv4))
	fmt.Fprintf(w, "Peer Count:\t%d\n", v.PeerCount)

	_ = w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

func formatPeersTable(payload *structpb.Struct) string {
	peers := peersToView(payload)
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IPV6\tSTATE\tMAPPED\tQUEUED\tREPLIED")

	for _, p := range peers {
		mapped := valueNA
		if p.MappedIPv4 != "" {
			mapped = fmt.Sprintf("%s:%d", p.MappedIPv4, p.MappedPort)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", p.IPv6, p.State, mapped, p.HasQueued, p.Replied)
	}

	_ = w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

func orNA(s string) string {
	if s == "" {
		return valueNA
	}
	return s
}
