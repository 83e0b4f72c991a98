package main

import "github.com/voicelane/voicelane/services/worker/cli"

func main() {
	cli.Execute()
}
