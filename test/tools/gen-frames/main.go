// gen-frames writes a corpus of synthetic JPEG frames, ready for the
// client's image-driven mode (-mode image -input <dir>) and for exporter
// experiments.
//
// Usage:
//
//	go run ./test/tools/gen-frames -out test/frames -count 24
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/capture"
)

func main() {
	out := flag.String("out", "test/frames", "output directory")
	count := flag.Int("count", 24, "number of frames")
	width := flag.Int("width", 832, "frame width")
	height := flag.Int("height", 480, "frame height")
	flag.Parse()

	if err := os.MkdirAll(*out, 0o755); err != nil {
		fatal("create output dir: %v", err)
	}

	fmt.Printf("Generating %d synthetic frames (%dx%d) into %s\n", *count, *width, *height, *out)

	src := capture.NewSynthetic(*width, *height)
	for i := 0; i < *count; i++ {
		data, err := src.Capture(context.Background())
		if err != nil {
			fatal("capture frame %d: %v", i, err)
		}
		name := filepath.Join(*out, fmt.Sprintf("frame-%05d.jpg", i))
		if err := os.WriteFile(name, data, 0o644); err != nil {
			fatal("write %s: %v", name, err)
		}
	}

	fmt.Println("Done.")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
