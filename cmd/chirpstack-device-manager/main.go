package main

import "github.com/brocaar/chirpstack-device-manager/cmd/chirpstack-device-manager/cmd"

var version string // set by the compiler

func main() {
	cmd.Execute(version)
}
