package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"os"
	"strings"

	"github.com/kilupskalvis/imgsrv/internal/blobstore"
	"github.com/kilupskalvis/imgsrv/internal/imaging"
	"github.com/kilupskalvis/imgsrv/internal/models"
)

// UploadResult describes a stored upload.
type UploadResult struct {
	ImageID    string
	ProjectID  string
	IsPrimary  bool
	Record     models.ImageRecord
	Renditions []string
}

// Upload stores body as a new image of the project. The payload is spooled
// to scratch and validated before the project lock is taken; decoding,
// rendering and the metadata update run under the lock. The first image of
// an empty project becomes its primary.
func (s *Service) Upload(ctx context.Context, projectID, contentType string, body io.Reader) (*UploadResult, error) {
	res, err := s.upload(ctx, projectID, contentType, body)
	s.observe("upload", projectID, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("image uploaded",
		"project", projectID,
		"image", res.ImageID,
		"primary", res.IsPrimary,
	)
	primary := ""
	if res.IsPrimary {
		primary = res.ImageID
	}
	s.notify(Event{Type: EventUpload, ProjectID: projectID, ImageID: res.ImageID, PrimaryImageID: primary})
	return res, nil
}

func (s *Service) upload(ctx context.Context, projectID, contentType string, body io.Reader) (*UploadResult, error) {
	if err := validateProject(projectID); err != nil {
		return nil, err
	}
	if err := checkMediaType(contentType); err != nil {
		return nil, err
	}

	scratch, err := s.spool(body)
	if err != nil {
		return nil, err
	}
	defer s.removeScratch(scratch)

	var res *UploadResult
	err = s.withLock(ctx, "upload", projectID, func(ctx context.Context) error {
		var err error
		res, err = s.ingest(ctx, projectID, scratch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// checkMediaType accepts any image/* media type.
func checkMediaType(contentType string) error {
	if contentType == "" {
		return fmt.Errorf("%w: missing content type", ErrInvalidInput)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("%w: content type %q: %v", ErrInvalidInput, contentType, err)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return fmt.Errorf("%w: content type %q is not an image", ErrInvalidInput, mediaType)
	}
	return nil
}

// spool copies body into a scratch file, enforcing the size limit, and
// returns it rewound.
func (s *Service) spool(body io.Reader) (*os.File, error) {
	f, err := os.CreateTemp(s.scratchDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(body, s.maxUpload+1))
	if err != nil {
		s.removeScratch(f)
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if n > s.maxUpload {
		s.removeScratch(f)
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxUpload)
	}
	if n == 0 {
		s.removeScratch(f)
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.removeScratch(f)
		return nil, fmt.Errorf("rewind scratch file: %w", err)
	}
	return f, nil
}

func (s *Service) removeScratch(f *os.File) {
	f.Close()
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove scratch file", "path", f.Name(), "error", err)
	}
}

// ingest runs under the project lock. Renditions are written first; if
// anything fails before the metadata is saved, they are removed again.
func (s *Service) ingest(ctx context.Context, projectID string, scratch io.Reader) (*UploadResult, error) {
	imageID := models.NewImageID()

	src, format, err := imaging.Decode(scratch, s.maxPixels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	s.logger.Debug("decoded upload", "project", projectID, "image", imageID, "format", format,
		"width", src.Bounds().Dx(), "height", src.Bounds().Dy())

	var written []blobstore.Key
	committed := false
	defer func() {
		if !committed {
			s.discard(ctx, written)
		}
	}()

	written, err = s.renderAll(ctx, projectID, imageID, src, s.renditions, written)
	if err != nil {
		return nil, err
	}

	state, err := s.meta.Load(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	rec := models.ImageRecord{ID: imageID, Ext: models.DefaultExt, CreatedAt: s.now().UTC()}
	isPrimary, err := state.AddImage(rec)
	if err != nil {
		return nil, err
	}
	if err := s.meta.Save(ctx, projectID, state); err != nil {
		return nil, fmt.Errorf("save project %s: %w", projectID, err)
	}
	committed = true

	return &UploadResult{
		ImageID:    imageID,
		ProjectID:  projectID,
		IsPrimary:  isPrimary,
		Record:     rec,
		Renditions: models.RenditionNames(s.renditions),
	}, nil
}

// renderAll renders and stores each rendition, appending stored keys to
// written. Once the original is stored, the renditions after it are rendered
// from its decoded JPEG bytes, as Regenerate does.
func (s *Service) renderAll(ctx context.Context, projectID, imageID string, src image.Image, specs []models.RenditionSpec, written []blobstore.Key) ([]blobstore.Key, error) {
	var buf bytes.Buffer
	for _, spec := range specs {
		img, err := imaging.Render(src, spec)
		if err != nil {
			return written, fmt.Errorf("render %s: %w", spec.Name, err)
		}

		buf.Reset()
		if err := imaging.EncodeJPEG(&buf, img, spec.Quality); err != nil {
			return written, fmt.Errorf("render %s: %w", spec.Name, err)
		}
		key := s.key(projectID, imageID, spec.Name)
		if err := s.blobs.Put(ctx, key, bytes.NewReader(buf.Bytes())); err != nil {
			return written, fmt.Errorf("store %s: %w", spec.Name, err)
		}
		written = append(written, key)
		s.metrics.ObserveRendition(spec.Name, buf.Len())

		if spec.Kind == models.KindOriginal {
			if src, _, err = imaging.Decode(bytes.NewReader(buf.Bytes()), 0); err != nil {
				return written, fmt.Errorf("decode %s: %w", spec.Name, err)
			}
		}
	}
	return written, nil
}

// discard removes renditions of a failed upload. Failures are logged; the
// leftovers are orphans that GarbageCollect removes.
func (s *Service) discard(ctx context.Context, keys []blobstore.Key) {
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.Warn("cleanup rendition", "key", key.String(), "error", err)
		}
	}
}
