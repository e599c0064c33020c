package main

import "github.com/IndustrialMindustry/industrial-cogs/cmd"

func main() {
	cmd.Execute()
}
