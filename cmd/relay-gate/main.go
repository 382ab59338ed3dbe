package main

import "github.com/Sentinel-Gate/relaygate/cmd/relay-gate/cmd"

func main() {
	cmd.Execute()
}
