package main

import (
	"github.com/MischaAhrens/rawstore/cmd"
)

func main() {
	cmd.Execute()
}
