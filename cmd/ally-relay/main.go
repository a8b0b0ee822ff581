package main

import (
	"log"

	"github.com/MrSnakeDoc/ally-relay/internal/app"
)

func main() {
	if err := app.New().Run(); err != nil {
		log.Fatalf("❌ ally-relay failed: %v", err)
	}
}
