// stapctl is a small client for stpd's introspection socket: it sends a
// one-line command and prints the multi-line reply.
package main

import (
	"fmt"
	"os"

	"github.com/kstapd/kstapd/internal/introspect"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -socket <path> <status>\n", os.Args[0])
	os.Exit(1)
}

func run(args []string) error {
	socketPath := ""
	var cmd string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-socket":
			if i+1 >= len(args) {
				return fmt.Errorf("-socket requires a path")
			}
			i++
			socketPath = args[i]
		case "-h", "--help":
			usage()
		default:
			if cmd != "" {
				return fmt.Errorf("unexpected argument %q", args[i])
			}
			cmd = args[i]
		}
	}

	if socketPath == "" || cmd == "" {
		usage()
	}

	lines, err := introspect.Query(socketPath, cmd)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
