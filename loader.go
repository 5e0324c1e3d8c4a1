package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"

	// WebP sources are accepted alongside the formats imaging registers.
	_ "golang.org/x/image/webp"
)

var (
	// ErrImageDecode means the selected bytes could not be decoded as an
	// image. The session must not become ready after it.
	ErrImageDecode = errors.New("cannot decode image")
	// ErrImageTooLarge rejects a source before full decode based on its
	// header dimensions.
	ErrImageTooLarge = errors.New("image too large")
)

// maxSourcePixels caps the decoded bitmap size. 40 MP covers anything a
// phone camera produces.
const maxSourcePixels = 40 << 20

// SourceImage is the decoded bitmap for one crop session, immutable once
// created. baseScale makes the shorter dimension exactly fill the preview
// circle at zoom 1; it is computed once here because every frame needs it.
type SourceImage struct {
	img       image.Image
	Width     int
	Height    int
	baseScale float64
}

// decodeSource spools r to a temporary file, sniffs the header for an early
// size rejection, then decodes the bitmap with EXIF auto-orientation. The
// temp file is released whether decode succeeds or fails.
func decodeSource(r io.Reader) (*SourceImage, error) {
	tmp, err := os.CreateTemp("", "avatarcrop-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		if err := os.Remove(tmp.Name()); err != nil {
			log.Warn().Err(err).Str("path", tmp.Name()).Msg("failed to remove temp file")
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return nil, fmt.Errorf("failed to spool image: %w", err)
	}

	if w, h, err := sniffDimensions(tmp); err == nil && w*h > maxSourcePixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, w, h, maxSourcePixels)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind temp file: %w", err)
	}
	img, err := imaging.Decode(tmp, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrImageDecode, err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty bitmap", ErrImageDecode)
	}

	return &SourceImage{
		img:       img,
		Width:     w,
		Height:    h,
		baseScale: float64(PreviewDiameter) / float64(min(w, h)),
	}, nil
}

// sniffDimensions reads only the image header. JPEG gets a manual marker
// scan so the common case never touches the codec; everything else goes
// through the registered decoders' config path.
func sniffDimensions(rs io.ReadSeeker) (width, height int, err error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	if w, h, err := jpegDimensions(rs); err == nil {
		return w, h, nil
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	cfg, _, err := image.DecodeConfig(rs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// jpegDimensions walks the JPEG marker stream until it finds a start-of-frame
// segment carrying the pixel dimensions.
func jpegDimensions(rs io.ReadSeeker) (width, height int, err error) {
	var buf [2]byte

	if _, err = io.ReadFull(rs, buf[:]); err != nil {
		return 0, 0, fmt.Errorf("failed to read SOI marker: %w", err)
	}
	if buf[0] != 0xFF || buf[1] != 0xD8 {
		return 0, 0, errors.New("not a JPEG file")
	}

	for {
		if _, err = io.ReadFull(rs, buf[:]); err != nil {
			return 0, 0, err
		}
		if buf[0] != 0xFF {
			return 0, 0, errors.New("invalid JPEG marker")
		}
		// Skip fill bytes.
		for buf[1] == 0xFF {
			if _, err = io.ReadFull(rs, buf[1:2]); err != nil {
				return 0, 0, err
			}
		}

		if buf[1] >= 0xC0 && buf[1] <= 0xC3 {
			// SOF segment: length, precision, then height and width.
			segment := make([]byte, 7)
			if _, err = io.ReadFull(rs, segment); err != nil {
				return 0, 0, err
			}
			height = int(binary.BigEndian.Uint16(segment[3:5]))
			width = int(binary.BigEndian.Uint16(segment[5:7]))
			return width, height, nil
		}

		if _, err = io.ReadFull(rs, buf[:]); err != nil {
			return 0, 0, err
		}
		length := binary.BigEndian.Uint16(buf[:])
		if length < 2 {
			return 0, 0, errors.New("invalid JPEG segment length")
		}
		if _, err = rs.Seek(int64(length-2), io.SeekCurrent); err != nil {
			return 0, 0, err
		}
	}
}
