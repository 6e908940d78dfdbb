// ABOUTME: Renders pairing challenges into scannable artifacts.
// ABOUTME: Produces a PNG data URL suitable for embedding in an HTTP response.

package pairing

import (
	"encoding/base64"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// ErrRenderFailed indicates the challenge could not be turned into a
// presentable code. Terminal for the pairing attempt.
var ErrRenderFailed = errors.New("unable to render pairing code")

const qrSize = 256

// RenderQR encodes a raw pairing challenge as a PNG QR code and returns it
// as a data URL.
func RenderQR(challenge string) (string, error) {
	if challenge == "" {
		return "", fmt.Errorf("%w: empty challenge", ErrRenderFailed)
	}

	png, err := qrcode.Encode(challenge, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
