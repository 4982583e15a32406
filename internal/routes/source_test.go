package routes

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zipShapefile packs the .shp/.shx/.dbf next to shpPath into a zip under a
// nested directory, the way agencies usually publish them.
func zipShapefile(t *testing.T, shpPath string) string {
	t.Helper()
	base := strings.TrimSuffix(shpPath, ".shp")
	zipPath := filepath.Join(t.TempDir(), "linhas.zip")

	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		data, err := os.ReadFile(base + ext)
		require.NoError(t, err)
		w, err := zw.Create("linhas_semob/" + filepath.Base(base) + ext)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return zipPath
}

func sampleShapefile(t *testing.T) string {
	t.Helper()
	return writeTestShapefile(t,
		[][][]shp.Point{{{{X: -47.88, Y: -15.79}, {X: -47.89, Y: -15.80}}}},
		[]string{"0.110"},
	)
}

func TestResolveShapefile_LocalShp(t *testing.T) {
	path := sampleShapefile(t)
	got, err := ResolveShapefile(context.Background(), http.DefaultClient, path, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolveShapefile_Zip(t *testing.T) {
	zipPath := zipShapefile(t, sampleShapefile(t))
	work := t.TempDir()

	got, err := ResolveShapefile(context.Background(), http.DefaultClient, zipPath, work)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(work, "extracted", "linhas.shp"), got)

	routes, err := ReadShapefile(got, "LINHA")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "0.110", routes[0].ID)
}

func TestResolveShapefile_URL(t *testing.T) {
	data, err := os.ReadFile(zipShapefile(t, sampleShapefile(t)))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dados/linhas.zip" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	got, err := ResolveShapefile(context.Background(), srv.Client(), srv.URL+"/dados/linhas.zip", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "linhas.shp", filepath.Base(got))

	_, err = ResolveShapefile(context.Background(), srv.Client(), srv.URL+"/missing.zip", t.TempDir())
	assert.ErrorContains(t, err, "status 404")
}

func TestResolveShapefile_Unsupported(t *testing.T) {
	_, err := ResolveShapefile(context.Background(), http.DefaultClient, "linhas.kml", t.TempDir())
	assert.Error(t, err)
}

func TestResolveShapefile_ZipWithoutShp(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "empty.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("LEIAME.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("sem dados"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = ResolveShapefile(context.Background(), http.DefaultClient, zipPath, t.TempDir())
	assert.ErrorContains(t, err, "no .shp file")
}
