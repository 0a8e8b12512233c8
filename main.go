package main

import "github.com/candlekeep/aide/cmd"

func main() {
	cmd.Execute()
}
