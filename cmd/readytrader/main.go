package main

import (
	"github.com/joho/godotenv"

	"readytrader/internal/cli"
)

func main() {
	// Missing .env is fine; the environment may be set by the supervisor.
	_ = godotenv.Load()

	cli.Execute()
}
