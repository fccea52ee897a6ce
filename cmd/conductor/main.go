package main

import (
	"github.com/fenlight/conductor/internal/cmd"
)

func main() {
	cmd.Execute()
}
