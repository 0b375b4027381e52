package main

import "github.com/waterwheel-org/waterwheel/cmd"

func main() {
	cmd.Execute()
}
