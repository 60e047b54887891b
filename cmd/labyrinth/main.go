package main

import "github.com/DaxxSec/labyrinth/cmd/labyrinth/cmd"

func main() {
	cmd.Execute()
}
