// ABOUTME: Tests for pairing challenge rendering.
// ABOUTME: Verifies data URL shape and failure classification.

package pairing

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestRenderQR(t *testing.T) {
	dataURL, err := RenderQR("2@AbCdEf1234,XYZ==,abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(dataURL, prefix) {
		t.Fatalf("missing data URL prefix: %.40s", dataURL)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, prefix))
	if err != nil {
		t.Fatalf("payload is not valid base64: %v", err)
	}
	// PNG magic bytes.
	if len(raw) < 8 || string(raw[1:4]) != "PNG" {
		t.Error("payload is not a PNG image")
	}
}

func TestRenderQREmptyChallenge(t *testing.T) {
	_, err := RenderQR("")
	if !errors.Is(err, ErrRenderFailed) {
		t.Errorf("expected ErrRenderFailed, got %v", err)
	}
}
