package main

import "github.com/voicelane/voicelane/services/syncer/cli"

func main() {
	cli.Execute()
}
