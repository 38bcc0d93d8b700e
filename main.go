package main

import (
	"github.com/metal-toolbox/conductor/cmd"
	"github.com/metal-toolbox/conductor/internal/log"
)

func main() {
	log.InitLogger()
	cmd.Execute()
}
