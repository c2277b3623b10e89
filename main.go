package main

import "github.com/dinoallo/sealfs/cmd"

func main() {
	cmd.Execute()
}
