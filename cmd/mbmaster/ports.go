// cmd/mbmaster/ports.go
package main

import (
	"fmt"
	"io"

	"github.com/caosq/GreeIntense/internal/link"
)

func ports(w io.Writer) error {
	list, err := link.ListPorts()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return nil
	}
	for _, p := range list {
		if p.USB {
			fmt.Fprintf(w, "%s\tusb %s:%s serial=%s %s\n", p.Name, p.VID, p.PID, p.Serial, p.Product)
			continue
		}
		fmt.Fprintln(w, p.Name)
	}
	return nil
}
