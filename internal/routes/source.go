package routes

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ResolveShapefile turns src into a local .shp path. src may be a .shp file,
// a .zip archive holding one, or an http(s) URL to either; downloads and
// extracted files go to workDir.
func ResolveShapefile(ctx context.Context, client *http.Client, src, workDir string) (string, error) {
	local := src
	if u, err := url.Parse(src); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		name := path.Base(u.Path)
		if name == "" || name == "." || name == "/" {
			name = "routes.zip"
		}
		local = filepath.Join(workDir, name)
		if err := downloadFile(ctx, client, src, local); err != nil {
			return "", eris.Wrapf(err, "routes: download %s", src)
		}
		zap.L().Info("routes: downloaded route file", zap.String("url", src), zap.String("path", local))
	}

	switch strings.ToLower(filepath.Ext(local)) {
	case ".shp":
		return local, nil
	case ".zip":
		dir := filepath.Join(workDir, "extracted")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", eris.Wrap(err, "routes: create extract dir")
		}
		if err := extractZIP(local, dir); err != nil {
			return "", eris.Wrapf(err, "routes: extract %s", local)
		}
		return findFileByExt(dir, ".shp")
	default:
		return "", eris.Errorf("routes: unsupported route file %q (want .shp or .zip)", src)
	}
}

// downloadFile downloads a URL to a local file.
func downloadFile(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return eris.Wrap(err, "build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrap(err, "download")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return eris.Wrap(err, "create file")
	}
	defer f.Close() //nolint:errcheck

	if _, err := io.Copy(f, resp.Body); err != nil {
		return eris.Wrap(err, "write file")
	}

	return nil
}

// extractZIP flattens a ZIP archive into destDir. Entry paths are reduced to
// their base names so nothing is written outside destDir.
func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := extractEntry(f, filepath.Join(destDir, filepath.Base(f.Name))); err != nil {
			return err
		}
	}

	return nil
}

func extractEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return eris.Wrapf(err, "open zip entry %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(dest)
	if err != nil {
		return eris.Wrapf(err, "create %s", dest)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return eris.Wrapf(err, "extract %s", f.Name)
	}
	return out.Close()
}

// findFileByExt finds the first file with the given extension in a directory.
func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("routes: no %s file found in %s", ext, dir)
}
