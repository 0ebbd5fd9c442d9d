package utils

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var ErrInvalidEvidence = errors.New("evidence is not a decodable image")

// MaxEvidenceEdge bounds the longest side of an image sent to the judge.
const MaxEvidenceEdge = 1024

// NormalizeEvidenceImage decodes any supported image, fixes orientation,
// downsizes it and re-encodes as JPEG.
func NormalizeEvidenceImage(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidEvidence
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}

	b := img.Bounds()
	if b.Dx() > MaxEvidenceEdge || b.Dy() > MaxEvidenceEdge {
		if b.Dx() >= b.Dy() {
			img = imaging.Resize(img, MaxEvidenceEdge, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, MaxEvidenceEdge, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
