package frame

import (
	"bytes"
	"image"

	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	_ "golang.org/x/image/webp" // register WebP decoder
)

// decodeImage turns compressed frame bytes into a drawable bitmap. The
// format is sniffed from the payload; the service is free to switch codecs
// mid-stream.
func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}
