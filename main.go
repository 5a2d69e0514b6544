package main

import (
	"github.com/overmindtech/vigil/cmd"
	_ "go.uber.org/automaxprocs"
)

func main() {
	cmd.Execute()
}
