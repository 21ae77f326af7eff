package main

import "github.com/audiolibrelab/stereorec/cmd"

func main() {
	cmd.Execute()
}
