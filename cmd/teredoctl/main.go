// teredoctl is the CLI client for the teredod daemon, communicating over
// ConnectRPC to inspect qualification state and the peer table.
package main

import "github.com/5l1v3r1/teredod/cmd/teredoctl/commands"

func main() {
	commands.Execute()
}
