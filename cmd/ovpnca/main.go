package main

import "github.com/jmcleod/ovpnca/cmd/ovpnca/cmd"

func main() {
	cmd.Execute()
}
