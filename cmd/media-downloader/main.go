package main

import (
	"go-media-download/cmd/media-downloader/cmd"
)

func main() {
	// Execute the root command (defined in cmd/root.go)
	cmd.Execute()
}
