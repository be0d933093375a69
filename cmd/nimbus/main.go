package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
