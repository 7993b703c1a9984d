package main

import (
	_ "github.com/joho/godotenv/autoload"

	"variation-radar/internal/cli"
)

func main() {
	cli.Execute()
}
