// Command openmcp runs agent tasks in-process or drives a running openmcpd
// daemon through its REST API.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
