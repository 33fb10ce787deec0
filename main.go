package main

import "escrow-alerts/internal/cli"

func main() {
	cli.Execute()
}
