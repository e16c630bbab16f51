package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/imgsrv/internal/blobstore"
	"github.com/kilupskalvis/imgsrv/internal/imaging"
	"github.com/kilupskalvis/imgsrv/internal/lock"
	"github.com/kilupskalvis/imgsrv/internal/metastore"
	"github.com/kilupskalvis/imgsrv/internal/metrics"
	"github.com/kilupskalvis/imgsrv/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

type testEnv struct {
	svc      *Service
	dir      string
	meta     metastore.Store
	blobs    *blobstore.FSStore
	locks    *lock.FileLocker
	notifier *recordingNotifier
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	meta, err := metastore.NewJSONStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	blobs, err := blobstore.NewFSStore(filepath.Join(dir, "renditions"))
	require.NoError(t, err)

	locks, err := lock.NewFileLocker(filepath.Join(dir, "locks"), lock.Options{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	env := &testEnv{
		dir:      dir,
		meta:     meta,
		blobs:    blobs,
		locks:    locks,
		notifier: &recordingNotifier{},
		metrics:  metrics.New(),
	}
	env.svc, err = NewService(meta, blobs, locks, Options{
		ScratchDir:     filepath.Join(dir, "tmp"),
		MaxUploadBytes: 1 << 20,
		Notifier:       env.notifier,
		Metrics:        env.metrics,
	})
	require.NoError(t, err)
	return env
}

// pngBytes encodes a w×h image with a gradient so every rendition has
// content to resample.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// oversizedPNG is a bare PNG header declaring a w×h image.
func oversizedPNG(w, h uint32) []byte {
	chunk := make([]byte, 4, 17)
	copy(chunk, "IHDR")
	chunk = binary.BigEndian.AppendUint32(chunk, w)
	chunk = binary.BigEndian.AppendUint32(chunk, h)
	chunk = append(chunk, 8, 2, 0, 0, 0)

	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, uint32(len(chunk)-4))
	out = append(out, chunk...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(chunk))
}

func (e *testEnv) readRendition(t *testing.T, projectID, imageID, name string) []byte {
	t.Helper()
	rc, err := e.svc.Rendition(context.Background(), projectID, imageID, name)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func (e *testEnv) upload(t *testing.T, projectID string) *UploadResult {
	t.Helper()
	res, err := e.svc.Upload(context.Background(), projectID, "image/png", bytes.NewReader(pngBytes(t, 64, 48)))
	require.NoError(t, err)
	return res
}

func (e *testEnv) renditionSize(t *testing.T, projectID, imageID, name string) (int, int) {
	t.Helper()
	rc, err := e.svc.Rendition(context.Background(), projectID, imageID, name)
	require.NoError(t, err)
	defer rc.Close()
	cfg, format, err := image.DecodeConfig(rc)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	return cfg.Width, cfg.Height
}

func (e *testEnv) scratchFiles(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(e.dir, "tmp"))
	require.NoError(t, err)
	return entries
}

func TestUpload_FirstImageBecomesPrimary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.upload(t, "p1")
	assert.True(t, first.IsPrimary)
	assert.Equal(t, "p1", first.ProjectID)
	assert.True(t, models.ValidImageID(first.ImageID))
	assert.Equal(t, []string{"original", "medium", "thumb", "game"}, first.Renditions)

	second := env.upload(t, "p1")
	assert.False(t, second.IsPrimary)

	state, err := env.meta.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.ImageID, state.Primary())
	require.Len(t, state.Images, 2)
	assert.Equal(t, first.ImageID, state.Images[0].ID)
	assert.Equal(t, second.ImageID, state.Images[1].ID)
	assert.Empty(t, env.scratchFiles(t))
}

func TestUpload_RenditionGeometry(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.svc.Upload(context.Background(), "p1", "image/png", bytes.NewReader(pngBytes(t, 1000, 400)))
	require.NoError(t, err)

	w, h := env.renditionSize(t, "p1", res.ImageID, "original")
	assert.Equal(t, []int{1000, 400}, []int{w, h})
	w, h = env.renditionSize(t, "p1", res.ImageID, "medium")
	assert.Equal(t, []int{1000, 400}, []int{w, h}, "fits the box, no upscaling")
	w, h = env.renditionSize(t, "p1", res.ImageID, "thumb")
	assert.Equal(t, []int{400, 160}, []int{w, h})
	w, h = env.renditionSize(t, "p1", res.ImageID, "game")
	assert.Equal(t, []int{50, 50}, []int{w, h})
}

func TestUpload_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	img := pngBytes(t, 8, 8)

	tests := []struct {
		name        string
		projectID   string
		contentType string
		body        []byte
		want        error
	}{
		{"bad project id", "../p1", "image/png", img, ErrInvalidInput},
		{"empty project id", "", "image/png", img, ErrInvalidInput},
		{"missing content type", "p1", "", img, ErrInvalidInput},
		{"not an image type", "p1", "text/plain", img, ErrInvalidInput},
		{"malformed content type", "p1", "image/png; =", img, ErrInvalidInput},
		{"empty payload", "p1", "image/png", nil, ErrInvalidInput},
		{"too large", "p1", "image/png", make([]byte, 1<<20+1), ErrTooLarge},
		{"undecodable", "p1", "image/png", []byte("definitely not a png"), ErrUnsupportedImage},
		{"too many pixels", "p1", "image/png", oversizedPNG(20000, 20000), ErrUnsupportedImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Upload(ctx, tt.projectID, tt.contentType, bytes.NewReader(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	exists, err := env.meta.Exists(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, exists, "failed uploads leave no metadata")

	keys, err := env.blobs.List(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, keys, "failed uploads leave no renditions")
	assert.Empty(t, env.scratchFiles(t))
}

func TestUpload_ContentTypeWithParameters(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Upload(context.Background(), "p1", "image/png; charset=binary", bytes.NewReader(pngBytes(t, 8, 8)))
	assert.NoError(t, err)
}

func TestUpload_ConcurrentOnEmptyProject(t *testing.T) {
	env := newTestEnv(t)
	// Uploads queue behind each other; give the lock room.
	env.locks, _ = lock.NewFileLocker(filepath.Join(env.dir, "locks"), lock.Options{Timeout: 10 * time.Second})
	env.svc.locks = env.locks
	ctx := context.Background()
	data := pngBytes(t, 32, 32)

	const n = 8
	results := make([]*UploadResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.Upload(ctx, "race", "image/png", bytes.NewReader(data))
		}(i)
	}
	wg.Wait()

	primaries := 0
	var primaryID string
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if results[i].IsPrimary {
			primaries++
			primaryID = results[i].ImageID
		}
	}
	assert.Equal(t, 1, primaries, "exactly one upload observes an empty project")

	state, err := env.meta.Load(ctx, "race")
	require.NoError(t, err)
	assert.Len(t, state.Images, n)
	assert.Equal(t, primaryID, state.Primary())
	assert.Equal(t, primaryID, state.Images[0].ID, "the primary is the first upload in lock order")
}

func TestUpload_BusyIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h, err := env.locks.Acquire(ctx, "p1")
	require.NoError(t, err)

	_, err = env.svc.Upload(ctx, "p1", "image/png", bytes.NewReader(pngBytes(t, 8, 8)))
	assert.ErrorIs(t, err, ErrBusy)
	require.NoError(t, h.Release())

	exists, err := env.meta.Exists(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, exists)
	keys, err := env.blobs.List(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, env.scratchFiles(t))

	n, err := testutil.GatherAndCount(env.metrics.Registry(), "imgsrv_lock_busy_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpload_CorruptMetadataCleansUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	projectDir := filepath.Join(env.dir, "projects", "p1")
	require.NoError(t, os.MkdirAll(projectDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "meta.json"), []byte("{garbage"), 0644))

	_, err := env.svc.Upload(ctx, "p1", "image/png", bytes.NewReader(pngBytes(t, 8, 8)))
	assert.ErrorIs(t, err, ErrCorruptMetadata)

	keys, err := env.blobs.List(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, keys, "renditions of the failed upload are removed")

	data, err := os.ReadFile(filepath.Join(projectDir, "meta.json"))
	require.NoError(t, err)
	assert.Equal(t, "{garbage", string(data), "corrupt metadata is left for the operator")
}

func TestDelete_PrimaryReassignsEarliestRemaining(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := env.upload(t, "p1")
	a := env.upload(t, "p1")
	b := env.upload(t, "p1")
	c := env.upload(t, "p1")

	res, err := env.svc.Delete(ctx, "p1", p.ImageID)
	require.NoError(t, err)
	assert.Equal(t, p.ImageID, res.DeletedImageID)
	assert.Equal(t, a.ImageID, res.NewPrimary)

	// Deleting a non-primary leaves the primary alone.
	res, err = env.svc.Delete(ctx, "p1", c.ImageID)
	require.NoError(t, err)
	assert.Equal(t, a.ImageID, res.NewPrimary)

	res, err = env.svc.Delete(ctx, "p1", a.ImageID)
	require.NoError(t, err)
	assert.Equal(t, b.ImageID, res.NewPrimary)

	res, err = env.svc.Delete(ctx, "p1", b.ImageID)
	require.NoError(t, err)
	assert.Empty(t, res.NewPrimary)

	state, err := env.meta.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, state.Images)
	assert.Nil(t, state.PrimaryImageID)

	keys, err := env.blobs.List(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, keys, "renditions are removed with their image")
}

func TestDelete_RenditionsAlreadyGone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.upload(t, "p1")
	b := env.upload(t, "p1")
	require.NoError(t, os.RemoveAll(filepath.Join(env.dir, "renditions", "p1")))

	res, err := env.svc.Delete(ctx, "p1", a.ImageID)
	require.NoError(t, err)
	assert.Equal(t, b.ImageID, res.NewPrimary)

	state, err := env.meta.Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, state.Images, 1)
	assert.Equal(t, b.ImageID, state.Primary())
}

func TestDelete_NotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.upload(t, "p1")

	_, err := env.svc.Delete(ctx, "p1", models.NewImageID())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.svc.Delete(ctx, "p1", "../../etc")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.svc.Delete(ctx, "empty", models.NewImageID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetPrimary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.upload(t, "p1")
	b := env.upload(t, "p1")

	got, err := env.svc.SetPrimary(ctx, "p1", b.ImageID)
	require.NoError(t, err)
	assert.Equal(t, b.ImageID, got)

	// Setting the current primary again is allowed.
	_, err = env.svc.SetPrimary(ctx, "p1", b.ImageID)
	require.NoError(t, err)

	_, err = env.svc.SetPrimary(ctx, "p1", models.NewImageID())
	assert.ErrorIs(t, err, ErrNotFound)

	views, err := env.svc.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, a.ImageID, views[0].ID)
	assert.False(t, views[0].IsPrimary)
	assert.True(t, views[1].IsPrimary)
}

func TestList_EmptyProject(t *testing.T) {
	env := newTestEnv(t)
	views, err := env.svc.List(context.Background(), "nothing-here")
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = env.svc.List(context.Background(), "bad/id")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.svc.Cover(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound, "no images")

	a := env.upload(t, "p1")
	env.upload(t, "p1")

	rc, id, err := env.svc.Cover(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, a.ImageID, id)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)

	want, err := env.blobs.Open(ctx, blobstore.Key{ProjectID: "p1", ImageID: a.ImageID, Rendition: models.CoverRendition})
	require.NoError(t, err)
	wantData, _ := io.ReadAll(want)
	want.Close()
	assert.Equal(t, wantData, data)

	require.NoError(t, env.blobs.Delete(ctx, blobstore.Key{ProjectID: "p1", ImageID: a.ImageID, Rendition: models.CoverRendition}))
	_, _, err = env.svc.Cover(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound, "rendition missing")
}

func TestRendition_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.upload(t, "p1")

	_, err := env.svc.Rendition(ctx, "p1", a.ImageID, "huge")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.svc.Rendition(ctx, "p1", models.NewImageID(), "thumb")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, env.blobs.Delete(ctx, blobstore.Key{ProjectID: "p1", ImageID: a.ImageID, Rendition: "medium"}))
	_, err = env.svc.Rendition(ctx, "p1", a.ImageID, "medium")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegenerate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.upload(t, "p1")
	b := env.upload(t, "p1")

	require.NoError(t, env.blobs.Delete(ctx, blobstore.Key{ProjectID: "p1", ImageID: a.ImageID, Rendition: "thumb"}))
	require.NoError(t, env.blobs.Delete(ctx, blobstore.Key{ProjectID: "p1", ImageID: a.ImageID, Rendition: "game"}))
	require.NoError(t, env.blobs.Delete(ctx, blobstore.Key{ProjectID: "p1", ImageID: b.ImageID, Rendition: "original"}))
	require.NoError(t, env.blobs.Delete(ctx, blobstore.Key{ProjectID: "p1", ImageID: b.ImageID, Rendition: "medium"}))

	res, err := env.svc.Regenerate(ctx, "p1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Images)
	assert.Equal(t, 2, res.Generated)
	assert.Equal(t, []string{b.ImageID}, res.MissingOriginals)

	w, h := env.renditionSize(t, "p1", a.ImageID, "game")
	assert.Equal(t, []int{50, 50}, []int{w, h})

	res, err = env.svc.Regenerate(ctx, "p1", false)
	require.NoError(t, err)
	assert.Zero(t, res.Generated, "nothing left to regenerate")

	res, err = env.svc.Regenerate(ctx, "p1", true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Generated, "force rewrites every derived rendition of a")
}

func TestRegenerate_ForceReproducesUpload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.upload(t, "p1")

	derived := []string{"medium", "thumb", "game"}
	before := make(map[string][]byte)
	for _, name := range derived {
		before[name] = env.readRendition(t, "p1", a.ImageID, name)
	}

	res, err := env.svc.Regenerate(ctx, "p1", true)
	require.NoError(t, err)
	require.Equal(t, len(derived), res.Generated)

	for _, name := range derived {
		assert.Equal(t, before[name], env.readRendition(t, "p1", a.ImageID, name), name)
	}
}

func TestGarbageCollectAll_ProjectWithoutMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kept := env.upload(t, "p1")

	imageID := models.NewImageID()
	for _, name := range []string{"original", "thumb"} {
		require.NoError(t, env.blobs.Put(ctx, blobstore.Key{ProjectID: "p2", ImageID: imageID, Rendition: name}, strings.NewReader("x")))
	}

	all, err := env.svc.GarbageCollectAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "p1", all[0].ProjectID)
	assert.Zero(t, all[0].BlobsDeleted)
	assert.Equal(t, "p2", all[1].ProjectID)
	assert.Equal(t, 2, all[1].BlobsDeleted)

	keys, err := env.blobs.List(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, keys)

	exists, err := env.meta.Exists(ctx, "p2")
	require.NoError(t, err)
	assert.False(t, exists, "gc does not create metadata")

	w, h := env.renditionSize(t, "p1", kept.ImageID, "thumb")
	assert.Equal(t, []int{64, 48}, []int{w, h})
}

func TestGarbageCollect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.upload(t, "p1")

	orphan := blobstore.Key{ProjectID: "p1", ImageID: models.NewImageID(), Rendition: "thumb"}
	retired := blobstore.Key{ProjectID: "p1", ImageID: a.ImageID, Rendition: "poster"}
	require.NoError(t, env.blobs.Put(ctx, orphan, strings.NewReader("x")))
	require.NoError(t, env.blobs.Put(ctx, retired, strings.NewReader("x")))

	res, err := env.svc.GarbageCollect(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 6, res.BlobsScanned)
	assert.Equal(t, 2, res.BlobsDeleted)
	assert.Equal(t, 1, res.ReferencedImgs)

	has, err := env.blobs.Has(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, has)
	w, h := env.renditionSize(t, "p1", a.ImageID, "thumb")
	assert.Equal(t, []int{64, 48}, []int{w, h})

	all, err := env.svc.GarbageCollectAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Zero(t, all[0].BlobsDeleted)
}

func TestCleanScratch(t *testing.T) {
	env := newTestEnv(t)
	scratch := filepath.Join(env.dir, "tmp")

	stale := filepath.Join(scratch, "upload-stale")
	fresh := filepath.Join(scratch, "upload-fresh")
	other := filepath.Join(scratch, "keep-me")
	for _, p := range []string{stale, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	n, err := env.svc.CleanScratch(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestCheck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.upload(t, "good")
	require.NoError(t, env.blobs.Delete(ctx, blobstore.Key{ProjectID: "good", ImageID: a.ImageID, Rendition: "game"}))

	badDir := filepath.Join(env.dir, "projects", "bad")
	require.NoError(t, os.MkdirAll(badDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "meta.json"), []byte("[]"), 0644))

	results, err := env.svc.Check(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "bad", results[0].ProjectID)
	assert.ErrorIs(t, results[0].Err, ErrCorruptMetadata)

	assert.Equal(t, "good", results[1].ProjectID)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 1, results[1].Images)
	assert.Equal(t, 1, results[1].MissingRenditions)
}

func TestNotifications(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.upload(t, "p1")
	b := env.upload(t, "p1")
	_, err := env.svc.SetPrimary(ctx, "p1", b.ImageID)
	require.NoError(t, err)
	_, err = env.svc.Delete(ctx, "p1", b.ImageID)
	require.NoError(t, err)

	events := env.notifier.Events()
	require.Len(t, events, 4)
	assert.Equal(t, Event{Type: EventUpload, ProjectID: "p1", ImageID: a.ImageID, PrimaryImageID: a.ImageID, Time: events[0].Time}, events[0])
	assert.Equal(t, EventUpload, events[1].Type)
	assert.Empty(t, events[1].PrimaryImageID)
	assert.Equal(t, EventSetPrimary, events[2].Type)
	assert.Equal(t, b.ImageID, events[2].PrimaryImageID)
	assert.Equal(t, EventDelete, events[3].Type)
	assert.Equal(t, a.ImageID, events[3].PrimaryImageID)
	assert.False(t, events[0].Time.IsZero())
}

func TestNewService_RejectsBadCatalogue(t *testing.T) {
	env := newTestEnv(t)
	scratch := filepath.Join(env.dir, "tmp")

	_, err := NewService(env.meta, env.blobs, env.locks, Options{ScratchDir: scratch, Renditions: []models.RenditionSpec{
		{Name: "thumb", Kind: models.KindFitWithin, Width: 10, Height: 10, Quality: 80},
	}})
	assert.Error(t, err, "original must come first")

	_, err = NewService(env.meta, env.blobs, env.locks, Options{ScratchDir: scratch, Renditions: []models.RenditionSpec{
		{Name: "original", Kind: models.KindOriginal, Quality: 90},
		{Name: "original", Kind: models.KindOriginal, Quality: 90},
	}})
	assert.Error(t, err)

	_, err = NewService(nil, env.blobs, env.locks, Options{})
	assert.Error(t, err)
}

func TestRenderedOriginalIsOpaque(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	res, err := env.svc.Upload(ctx, "p1", "image/png", &buf)
	require.NoError(t, err)

	rc, err := env.svc.Rendition(ctx, "p1", res.ImageID, "original")
	require.NoError(t, err)
	defer rc.Close()
	decoded, _, err := imaging.Decode(rc, 0)
	require.NoError(t, err)
	r, g, b, _ := decoded.At(1, 1).RGBA()
	assert.Greater(t, r, uint32(0xf000), "transparent pixels are flattened onto white")
	assert.Greater(t, g, uint32(0xf000))
	assert.Greater(t, b, uint32(0xf000))
}
