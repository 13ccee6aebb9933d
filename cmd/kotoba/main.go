package main

import (
	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/kotoba/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
