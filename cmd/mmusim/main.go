// Command mmusim runs command traces against a simulated memory management
// unit with copy-on-write fork.
package main

import "github.com/sarchlab/mmusim/cmd/mmusim/cmd"

func main() {
	cmd.Execute()
}
