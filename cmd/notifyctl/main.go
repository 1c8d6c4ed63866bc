package main

import (
	"log"

	"github.com/austindbirch/notify_hook/cmd/notifyctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
