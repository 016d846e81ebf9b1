package main

import "github.com/evanofslack/pihole-config-sync/cmd"

func main() {
	cmd.Execute()
}
