package main

import (
	"github.com/joho/godotenv"
)

func main() {
	// Pick up a local .env when present. Variables already exported in
	// the environment win over file values.
	_ = godotenv.Load()

	Execute()
}
