package main

import (
	"github.com/suhlabs/kvshare/cmd/kvshare/cmd"
)

func main() {
	cmd.Execute()
}
