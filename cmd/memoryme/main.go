// Command memoryme stores, links and searches developer knowledge records.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
