package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// ErrNoAvatar means no avatar has been stored yet.
var ErrNoAvatar = errors.New("no avatar stored")

// avatarSizes are the rasters kept on disk: the full export plus smaller
// display variants.
var avatarSizes = []int{OutputDiameter, 128, 64}

// AvatarStore persists the exported avatar and its downscaled variants on the
// filesystem.
type AvatarStore struct {
	Dir string
}

func (s *AvatarStore) path(size int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("avatar-%d.png", size))
}

// Put replaces the stored avatar. The export bytes are written as-is; the
// display variants are resampled from them and written concurrently.
func (s *AvatarStore) Put(ctx context.Context, pngData []byte) error {
	img, err := imaging.Decode(bytes.NewReader(pngData))
	if err != nil {
		return fmt.Errorf("failed to decode export: %w", err)
	}

	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create avatar directory %s: %w", s.Dir, err)
	}

	pooler := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(len(avatarSizes))
	for _, size := range avatarSizes {
		size := size // capture per-iteration under the go 1.21 directive
		pooler.Go(func(ctx context.Context) error {
			data := pngData
			if size != OutputDiameter {
				variant, err := encodePNG(imaging.Resize(img, size, size, imaging.Lanczos))
				if err != nil {
					return fmt.Errorf("failed to build %dpx variant: %w", size, err)
				}
				data = variant
			}
			if err := os.WriteFile(s.path(size), data, 0644); err != nil {
				return fmt.Errorf("failed to write %dpx avatar: %w", size, err)
			}
			log.Ctx(ctx).Debug().Int("size", size).Msg("avatar written")
			return nil
		})
	}

	if err := pooler.Wait(); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("dir", s.Dir).Msg("avatar stored")
	return nil
}

// Open streams the avatar at the requested size. Unknown sizes fall back to
// the full export.
func (s *AvatarStore) Open(size int) (io.ReadCloser, error) {
	if !validAvatarSize(size) {
		size = OutputDiameter
	}
	f, err := os.Open(s.path(size))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoAvatar
		}
		return nil, fmt.Errorf("failed to open avatar: %w", err)
	}
	return f, nil
}

// Delete removes the stored avatar and all variants. Deleting when nothing
// is stored is not an error.
func (s *AvatarStore) Delete() error {
	for _, size := range avatarSizes {
		if err := os.Remove(s.path(size)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %dpx avatar: %w", size, err)
		}
	}
	return nil
}

func validAvatarSize(size int) bool {
	for _, s := range avatarSizes {
		if s == size {
			return true
		}
	}
	return false
}
