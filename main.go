// Package main is the entry point for the cds application
package main

import "github.com/ethpandaops/cds/cmd"

func main() {
	cmd.Execute()
}
