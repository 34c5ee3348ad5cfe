package main

import "github.com/lperezmo/gotc-discord-bot/cmd"

func main() {
	cmd.Execute()
}
