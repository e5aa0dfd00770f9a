// Command wafguardd is wafguard's single binary: it tails a
// ModSecurity audit log, detects attack bursts, and enforces bans
// across configured firewall integrations.
package main

import "github.com/wafguard/wafguard/internal/cli"

func main() {
	cli.Execute()
}
