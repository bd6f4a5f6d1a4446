package main

import "github.com/arcward/levelbot/cmd"

func main() {
	cmd.Execute()
}
