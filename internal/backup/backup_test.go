package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"suitebackup/internal/archive"
	"suitebackup/internal/command"
	"suitebackup/internal/metrics"
	"suitebackup/internal/model"
	"suitebackup/internal/store"
	"suitebackup/internal/store/memstore"
	"suitebackup/storage"
	"suitebackup/storage/local"
)

// fakeDB stands in for the database. Dump writes its content to the dump
// file and Restore reads it back.
type fakeDB struct {
	mu         sync.Mutex
	content    string
	tables     []string
	restoreErr error
	restores   int
}

func (f *fakeDB) Dump(_ context.Context, outputFile string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return os.WriteFile(outputFile, []byte(f.content), 0o600)
}

func (f *fakeDB) Restore(_ context.Context, inputFile string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	data, err := os.ReadFile(inputFile)
	if err != nil {
		return err
	}
	f.content = string(data)
	f.restores++
	return nil
}

func (f *fakeDB) ListTables(context.Context) ([]string, error) { return f.tables, nil }

func (f *fakeDB) get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content
}

func (f *fakeDB) set(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content = s
}

// fakeTargets serves targets from a map and opens every one of them as the
// same backend.
type fakeTargets struct {
	mu      sync.Mutex
	targets map[string]*model.StorageTarget
	backend storage.Backend
}

func (f *fakeTargets) Resolve(ctx context.Context, owner, id string) (*model.StorageTarget, error) {
	if id == "" {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, t := range f.targets {
			if t.Owner == owner && t.IsDefault {
				return t, nil
			}
		}
		return nil, store.ErrNotFound
	}
	return f.Get(ctx, owner, id)
}

func (f *fakeTargets) Get(_ context.Context, owner, id string) (*model.StorageTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Owner != owner {
		return nil, ErrForbidden
	}
	return t, nil
}

func (f *fakeTargets) Open(context.Context, *model.StorageTarget) (storage.Backend, error) {
	return f.backend, nil
}

func (f *fakeTargets) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.targets, id)
}

// flakyBackend fails uploads with a connectivity error.
type flakyBackend struct {
	storage.Backend
}

func (flakyBackend) Upload(context.Context, string, string) (string, error) {
	return "", storage.NewError(storage.KindS3, "upload", "alice", storage.ErrConnectivity, errors.New("dial tcp 10.0.0.9:443: connection refused"))
}

type failingBuilder struct{ err error }

func (f failingBuilder) Build(context.Context, archive.Request) (archive.Result, error) {
	return archive.Result{}, f.err
}

// lostFinalize fails every terminal update, as a record store that went
// away mid-run would.
type lostFinalize struct {
	Records
	err error
}

func (l lostFinalize) UpdateBackup(context.Context, *model.Backup) error        { return l.err }
func (l lostFinalize) UpdateRestore(context.Context, *model.BackupRestore) error { return l.err }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type harness struct {
	svc     *Service
	st      *memstore.Store
	db      *fakeDB
	targets *fakeTargets
	metrics *metrics.Metrics
	clock   *clock

	scratch string
	uploads string
	remote  string
}

const targetID = "target-1"

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		st:      memstore.New(),
		db:      &fakeDB{content: "CREATE TABLE tasks (id int);\nINSERT INTO tasks VALUES (1);\n", tables: []string{"projects", "tasks"}},
		metrics: metrics.New(prometheus.NewRegistry()),
		clock:   &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		scratch: filepath.Join(root, "tmp"),
		uploads: filepath.Join(root, "uploads"),
		remote:  filepath.Join(root, "remote"),
	}
	h.targets = &fakeTargets{
		targets: map[string]*model.StorageTarget{
			targetID: {ID: targetID, Owner: "alice", Name: "disk", Kind: storage.KindLocal, IsDefault: true, IsEnabled: true},
		},
		backend: local.New(storage.Config{"path": h.remote}),
	}

	writeFile(t, filepath.Join(h.uploads, "avatar.png"), "png bytes")
	writeFile(t, filepath.Join(h.uploads, "projects", "42", "plan.pdf"), "pdf bytes")
	writeFile(t, filepath.Join(h.uploads, "projects", "42", "notes.txt"), "remember the milk")

	runner := command.NewExecRunner(zerolog.Nop())
	opts := Options{
		ScratchDir: h.scratch,
		UploadRoot: h.uploads,
		Store:      h.st,
		Targets:    h.targets,
		Dumper:     h.db,
		Restorer:   h.db,
		Tables:     h.db,
		Builder:    archive.NewBuilder(runner, zerolog.Nop()),
		Extractor:  archive.NewExtractor(runner),
		Metrics:    h.metrics,
		Logger:     zerolog.Nop(),
		Now:        h.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	require.NoError(t, os.MkdirAll(h.scratch, 0o755))
	h.svc = NewService(opts)
	return h
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// readTree maps the relative paths of the regular files under root to their
// contents.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory should be empty")
}

func requireGNUTar(t *testing.T) {
	t.Helper()
	out, err := exec.Command("tar", "--version").CombinedOutput()
	if err != nil || !strings.Contains(string(out), "GNU tar") {
		t.Skip("GNU tar not available")
	}
	if _, err := exec.LookPath("gzip"); err != nil {
		t.Skip("gzip not available")
	}
}

func TestRunBackup_Zip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	b, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Compression: model.CompressionZip, IncludeUploads: true})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, b.Status)
	assert.Equal(t, targetID, b.TargetID)
	assert.Equal(t, model.TypeFull, b.Type)
	assert.Nil(t, b.ErrorMessage)
	require.NotNil(t, b.CompletedAt)
	require.NotNil(t, b.DurationSeconds)
	require.NotNil(t, b.FileName)
	assert.True(t, strings.HasSuffix(*b.FileName, ".zip"))
	assert.Equal(t, filepath.Join(h.remote, "alice", *b.FileName), *b.FilePath)
	assert.Equal(t, []string{"projects", "tasks"}, b.TablesIncluded)
	assert.Equal(t, 3, b.FilesIncluded)

	stored, err := h.st.GetBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b, stored)

	assertScratchEmpty(t, h.scratch)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(metrics.PipelineBackup, string(model.StatusCompleted))))
}

func TestRunBackup_ChecksumMatchesStoredArchive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	b, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Compression: model.CompressionZip, IncludeUploads: true})
	require.NoError(t, err)

	data, err := os.ReadFile(*b.FilePath)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), *b.Checksum)
	assert.Equal(t, int64(len(data)), *b.FileSize)
}

func TestRunBackup_DatabaseOnlyGzip(t *testing.T) {
	requireGNUTar(t)
	ctx := context.Background()
	h := newHarness(t)

	b, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Type: model.TypeDatabase, Compression: model.CompressionGzip, IncludeUploads: true})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, b.Status)
	assert.True(t, strings.HasSuffix(*b.FileName, ".tar.gz"))
	assert.Equal(t, []string{"projects", "tasks"}, b.TablesIncluded)
	assert.Zero(t, b.FilesIncluded)

	dest := t.TempDir()
	require.NoError(t, archive.NewExtractor(command.NewExecRunner(zerolog.Nop())).Extract(ctx, *b.FilePath, dest, model.CompressionGzip))
	assert.Equal(t, map[string]string{archive.DumpEntry: h.db.get()}, readTree(t, dest))
}

func TestRunBackup_FilesOnlySkipsDump(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	b, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Type: model.TypeFiles, Compression: model.CompressionZip, IncludeUploads: true})
	require.NoError(t, err)
	assert.Empty(t, b.TablesIncluded)
	assert.Equal(t, 3, b.FilesIncluded)

	dest := t.TempDir()
	require.NoError(t, h.svc.extractor.Extract(ctx, *b.FilePath, dest, model.CompressionZip))
	files := readTree(t, dest)
	assert.NotContains(t, files, archive.DumpEntry)
	assert.Equal(t, "remember the milk", files["uploads/projects/42/notes.txt"])
}

func TestRunBackup_BuildFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	h := newHarness(t, func(o *Options) { o.Builder = failingBuilder{err: boom} })

	b, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Compression: model.CompressionZip})
	require.ErrorIs(t, err, boom)
	require.NotNil(t, b)

	stored, err := h.st.GetBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "disk full")
	require.NotNil(t, stored.CompletedAt)
	assert.Nil(t, stored.FilePath)

	assertScratchEmpty(t, h.scratch)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(metrics.PipelineBackup, string(model.StatusFailed))))
}

func TestRunBackup_FinalizeFailureIsReportedAsFailed(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("record store gone")
	h := newHarness(t, func(o *Options) { o.Store = lostFinalize{Records: o.Store, err: boom} })

	b, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Compression: model.CompressionZip})
	require.ErrorIs(t, err, boom)
	require.NotNil(t, b)
	assert.Equal(t, model.StatusFailed, b.Status)
	require.NotNil(t, b.ErrorMessage)
	assert.Contains(t, *b.ErrorMessage, "finalize backup record")
	require.NotNil(t, b.CompletedAt)

	assertScratchEmpty(t, h.scratch)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(metrics.PipelineBackup, string(model.StatusFailed))))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(metrics.PipelineBackup, string(model.StatusCompleted))))
}

func TestRunBackup_UploadConnectivityError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.targets.backend = flakyBackend{Backend: h.targets.backend}

	b, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Compression: model.CompressionZip, IncludeUploads: true})
	require.ErrorIs(t, err, storage.ErrConnectivity)

	stored, err := h.st.GetBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "connection refused")

	// The archive built before the failed upload is gone with the scratch dir.
	assertScratchEmpty(t, h.scratch)
	assert.NoDirExists(t, h.remote)
}

func TestRunBackup_ConfigErrorsCreateNoRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tests := []struct {
		name    string
		owner   string
		req     BackupRequest
		wantErr error
	}{
		{"unknown type", "alice", BackupRequest{Type: "logs"}, ErrInvalidRequest},
		{"unknown compression", "alice", BackupRequest{Compression: "bzip2"}, ErrInvalidRequest},
		{"unknown target", "alice", BackupRequest{TargetID: "nope"}, store.ErrNotFound},
		{"foreign target", "bob", BackupRequest{TargetID: targetID}, ErrForbidden},
		{"no default target", "bob", BackupRequest{}, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := h.svc.RunBackup(ctx, tt.owner, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, b)
		})
	}

	for _, owner := range []string{"alice", "bob"} {
		list, err := h.st.ListBackups(ctx, owner)
		require.NoError(t, err)
		assert.Empty(t, list)
	}
}

func TestRunBackup_ConcurrentRunsAreIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	const runs = 4
	results := make([]*model.Backup, runs)
	var g errgroup.Group
	for i := range runs {
		g.Go(func() error {
			b, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Compression: model.CompressionZip, IncludeUploads: true})
			results[i] = b
			return err
		})
	}
	require.NoError(t, g.Wait())

	paths := map[string]bool{}
	for _, b := range results {
		assert.Equal(t, model.StatusCompleted, b.Status)
		paths[*b.FilePath] = true

		dest := t.TempDir()
		require.NoError(t, h.svc.extractor.Extract(ctx, *b.FilePath, dest, model.CompressionZip))
		files := readTree(t, dest)
		assert.Len(t, files, 4)
		assert.Equal(t, h.db.get(), files[archive.DumpEntry])
	}
	assert.Len(t, paths, runs)
	assertScratchEmpty(t, h.scratch)
}

func TestRunBackup_CanceledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Compression: model.CompressionZip, IncludeUploads: true})
	require.Error(t, err)
	require.NotNil(t, b)

	// The terminal state is still recorded.
	stored, err := h.st.GetBackup(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assertScratchEmpty(t, h.scratch)
}

func TestDeleteBackup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	b, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Compression: model.CompressionZip})
	require.NoError(t, err)
	require.FileExists(t, *b.FilePath)

	assert.ErrorIs(t, h.svc.DeleteBackup(ctx, "bob", b.ID), ErrForbidden)

	require.NoError(t, h.svc.DeleteBackup(ctx, "alice", b.ID))
	assert.NoFileExists(t, *b.FilePath)
	_, err = h.st.GetBackup(ctx, b.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, h.svc.DeleteBackup(ctx, "alice", b.ID), store.ErrNotFound)
}

func TestDeleteBackup_RefusesRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	running := &model.Backup{ID: "b-running", Owner: "alice", TargetID: targetID, Type: model.TypeFull, Status: model.StatusRunning, StartedAt: h.clock.Now()}
	require.NoError(t, h.st.CreateBackup(ctx, running))

	assert.ErrorIs(t, h.svc.DeleteBackup(ctx, "alice", running.ID), ErrInvalidRequest)
}

func TestDeleteBackup_TargetGone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	b, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Compression: model.CompressionZip})
	require.NoError(t, err)
	h.targets.remove(targetID)

	require.NoError(t, h.svc.DeleteBackup(ctx, "alice", b.ID))
	_, err = h.st.GetBackup(ctx, b.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
