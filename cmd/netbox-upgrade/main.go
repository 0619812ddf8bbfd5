package main

import "github.com/oshokin/netbox-upgrade/cmd/netbox-upgrade/cmd"

func main() {
	cmd.Execute()
}
