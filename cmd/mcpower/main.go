package main

import "github.com/mcpower-security/mcpower/cmd/mcpower/cmd"

func main() {
	cmd.Execute()
}
