package main

import "github.com/voicelane/voicelane/services/api-gateway/cli"

func main() {
	cli.Execute()
}
