package main

import "budget-guardian/internal/cli"

func main() {
	cli.Execute()
}
