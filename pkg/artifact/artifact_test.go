package artifact

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/objectstore"
)

func fixtureTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.gob"), []byte{0x01, 0x02, 0x03, 0x42}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "metrics.json"), []byte(`{"loss":0.1}`), 0o644))
	return dir
}

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

// writeArchive hand-crafts a tar.gz so tests can smuggle in entries
// Pack would never produce.
func writeArchive(t *testing.T, entries []tarEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crafted.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		flag := e.typeflag
		if flag == 0 {
			flag = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.body)),
			Typeflag: flag,
			Linkname: e.linkname,
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if flag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func TestPackAndExtractRoundTrip(t *testing.T) {
	src := fixtureTree(t)
	dest := filepath.Join(t.TempDir(), "out", ArchiveName)

	require.NoError(t, Pack(src, dest))

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 2)
	assert.Equal(t, byte(0x1f), raw[0], "archive should be gzip")
	assert.Equal(t, byte(0x8b), raw[1], "archive should be gzip")

	extracted := filepath.Join(t.TempDir(), "model")
	require.NoError(t, Extract(dest, extracted))

	model, err := os.ReadFile(filepath.Join(extracted, "model.gob"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x42}, model)

	metrics, err := os.ReadFile(filepath.Join(extracted, "sub", "metrics.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"loss":0.1}`, string(metrics))

	info, err := os.Stat(filepath.Join(extracted, "logs"))
	require.NoError(t, err, "empty directories should survive the round trip")
	assert.True(t, info.IsDir())
}

func TestPackMissingSource(t *testing.T) {
	err := Pack(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), ArchiveName))
	require.Error(t, err)
	assert.True(t, kilnerrors.IsCode(err, kilnerrors.ErrCodeArtifactPack), "got %v", err)
}

func TestPackRejectsNonDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	err := Pack(file, filepath.Join(t.TempDir(), ArchiveName))
	require.Error(t, err)
	assert.True(t, kilnerrors.IsCode(err, kilnerrors.ErrCodeArtifactPack), "got %v", err)
}

func TestPackSkipsSymlinks(t *testing.T) {
	src := fixtureTree(t)
	require.NoError(t, os.Symlink(filepath.Join(src, "model.gob"), filepath.Join(src, "link.gob")))

	dest := filepath.Join(t.TempDir(), ArchiveName)
	require.NoError(t, Pack(src, dest))

	extracted := t.TempDir()
	require.NoError(t, Extract(dest, extracted))

	_, err := os.Lstat(filepath.Join(extracted, "link.gob"))
	assert.True(t, os.IsNotExist(err), "symlink should not be packed")
}

func TestPackLeavesNoPartialOnSuccess(t *testing.T) {
	src := fixtureTree(t)
	dest := filepath.Join(t.TempDir(), ArchiveName)
	require.NoError(t, Pack(src, dest))

	_, err := os.Stat(dest + ".partial")
	assert.True(t, os.IsNotExist(err))
}

func TestExtractRejectsTraversal(t *testing.T) {
	archive := writeArchive(t, []tarEntry{
		{name: "ok.txt", body: "fine"},
		{name: "../evil.txt", body: "escape"},
	})

	dir := filepath.Join(t.TempDir(), "out")
	err := Extract(archive, dir)
	require.Error(t, err)
	assert.True(t, kilnerrors.IsCode(err, kilnerrors.ErrCodeArtifactExtract), "got %v", err)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "evil.txt"))
	assert.True(t, os.IsNotExist(statErr), "traversal entry must not be written")
}

func TestExtractRejectsAbsolutePath(t *testing.T) {
	archive := writeArchive(t, []tarEntry{
		{name: "/abs.txt", body: "escape"},
	})

	err := Extract(archive, t.TempDir())
	require.Error(t, err)
	assert.True(t, kilnerrors.IsCode(err, kilnerrors.ErrCodeArtifactExtract), "got %v", err)
}

func TestExtractRejectsSymlinkEntry(t *testing.T) {
	archive := writeArchive(t, []tarEntry{
		{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
	})

	err := Extract(archive, t.TempDir())
	require.Error(t, err)
	assert.True(t, kilnerrors.IsCode(err, kilnerrors.ErrCodeArtifactExtract), "got %v", err)
}

func TestExtractMissingArchive(t *testing.T) {
	err := Extract(filepath.Join(t.TempDir(), "absent.tar.gz"), t.TempDir())
	require.Error(t, err)
	assert.True(t, kilnerrors.IsCode(err, kilnerrors.ErrCodeArtifactExtract), "got %v", err)
}

func TestExtractNotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("just text"), 0o644))

	err := Extract(path, t.TempDir())
	require.Error(t, err)
	assert.True(t, kilnerrors.IsCode(err, kilnerrors.ErrCodeArtifactExtract), "got %v", err)
}

func TestDownloadAndExtract(t *testing.T) {
	src := fixtureTree(t)
	archive := filepath.Join(t.TempDir(), ArchiveName)
	require.NoError(t, Pack(src, archive))

	client := objectstore.New(t.TempDir(), objectstore.Options{})
	obj, err := client.PutFile("kiln-local", "jobs/j-1/output/model.tar.gz", archive)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "restored")
	got, err := DownloadAndExtract(client, obj.URI(), dir)
	require.NoError(t, err)
	assert.Equal(t, obj.Key, got.Key)

	model, err := os.ReadFile(filepath.Join(dir, "model.gob"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x42}, model)
}

func TestDownloadRejectsBucketURI(t *testing.T) {
	client := objectstore.New(t.TempDir(), objectstore.Options{})

	_, err := Download(client, "kiln://kiln-local", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.True(t, kilnerrors.IsCode(err, kilnerrors.ErrCodeObjectURI), "got %v", err)
}
