package main

import (
	"swainos-analytics/internal/cli"
)

func main() {
	cli.Execute()
}
