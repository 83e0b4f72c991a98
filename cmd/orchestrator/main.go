package main

import "github.com/voicelane/voicelane/services/orchestrator/cli"

func main() {
	cli.Execute()
}
