package main

import "github.com/voicelane/voicelane/services/dispatcher/cli"

func main() {
	cli.Execute()
}
