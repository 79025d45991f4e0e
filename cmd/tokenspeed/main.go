package main

import (
	"log"

	"github.com/tokenspeed/hub/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
