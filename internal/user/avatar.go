package user

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/disintegration/imaging"
)

// ErrAvatarInvalid means the upload could not be decoded as an image.
var ErrAvatarInvalid = errors.New("profile image could not be decoded")

// avatarMaxDim is the bounding box avatars are scaled into.
const avatarMaxDim = 512

// ProcessAvatar decodes an uploaded image, scales it to fit 512x512, and
// re-encodes it as PNG for storage. Re-encoding also strips any metadata the
// upload carried.
func ProcessAvatar(blob []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(blob), imaging.AutoOrientation(true))
	if err != nil {
		return nil, ErrAvatarInvalid
	}

	bounds := img.Bounds()
	if bounds.Dx() > avatarMaxDim || bounds.Dy() > avatarMaxDim {
		img = imaging.Fit(img, avatarMaxDim, avatarMaxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode avatar: %w", err)
	}
	if buf.Len() > MaxAvatarBytes {
		return nil, ErrAvatarTooLarge
	}
	return buf.Bytes(), nil
}
