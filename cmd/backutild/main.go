// Package main is the entry point for backutild, the backutil daemon.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
