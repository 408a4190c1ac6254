// Package main is the entry point of the vulncorr service and CLI.
package main

import "github.com/ortelius/pdvd-vulncorr/cmd"

func main() {
	cmd.Execute()
}
