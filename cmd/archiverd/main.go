// Command archiverd runs the video archiver daemon in the foreground.
//
// It loads the configuration, restores the persisted queue, and serves the
// control socket until SIGINT or SIGTERM, then drains in-flight work within
// the configured grace period.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "archiverd:", err)
		}
		os.Exit(1)
	}
}
