package main

import (
	"log"

	"github.com/as-czyk/diagnostic-test/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
