package main

import "github.com/opeva/worker-agent/cmd"

func main() {
	cmd.Execute()
}
