// Command pulse collects social posts into the raw store and enriches them
// with an LLM.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("pulse exited with error", "err", err)
		os.Exit(1)
	}
}
