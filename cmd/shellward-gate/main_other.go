//go:build !linux

package main

import (
	"encoding/json"
	"fmt"
	"os"
)

func main() {
	out, _ := json.Marshal(map[string]string{
		"error":   "enforcement_unavailable",
		"message": "shellward-gate requires Linux with Landlock support",
	})
	fmt.Fprintln(os.Stderr, string(out))
	os.Exit(125)
}
