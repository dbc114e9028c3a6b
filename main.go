package main

import "github.com/audiolibrelab/tapcapture/cmd"

func main() {
	cmd.Execute()
}
