// cmd/mbmaster/main.go
package main

import (
	"fmt"
	"os"
)

const usage = `usage:
  mbmaster run <config.yaml>
  mbmaster ports
  mbmaster probe <config.yaml> <addr> <start> <count>`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		if len(os.Args) != 3 {
			err = fmt.Errorf("run: config path required")
			break
		}
		err = run(os.Args[2])
	case "ports":
		err = ports(os.Stdout)
	case "probe":
		if len(os.Args) != 6 {
			err = fmt.Errorf("probe: expected <config.yaml> <addr> <start> <count>")
			break
		}
		err = probe(os.Stdout, os.Args[2], os.Args[3:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "mbmaster: %v\n", err)
		os.Exit(1)
	}
}
