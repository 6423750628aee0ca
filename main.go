package main

import (
	"context"
	"log"
	"os"

	"github.com/shortd/shortd/pkg/shortd"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	if err := shortd.New().Run(context.Background(), os.Args); err != nil {
		log.Printf("error running the application: %s", err)

		return 1
	}

	return 0
}
