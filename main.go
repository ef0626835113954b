// Command dnsmasq is a DNS forwarding engine: it receives client queries over
// UDP and TCP, selects an upstream nameserver per query, and forwards the
// query, correlating the eventual reply back to the original client.
package main

import "github.com/0neday/dnsmasq/internal/cmd"

func main() {
	cmd.Main()
}
