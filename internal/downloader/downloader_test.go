// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTarGz returns a tar.gz archive with the given files.
func makeTarGz(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(contents)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestDownloadAndUntarIfMissing(t *testing.T) {
	ShowProgress = false
	archive := makeTarGz(t, map[string]string{
		"batches/data_1.bin": "0123456789",
		"batches/readme.txt": "hello",
	})
	hash := sha256.Sum256(archive)
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	baseDir := t.TempDir()
	err := DownloadAndUntarIfMissing(server.URL+"/data.tar.gz", baseDir, "data.tar.gz", "batches",
		hex.EncodeToString(hash[:]))
	require.NoError(t, err)
	contents, err := os.ReadFile(filepath.Join(baseDir, "batches", "data_1.bin"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(contents))

	// Second call finds the directory and does nothing.
	require.NoError(t, DownloadAndUntarIfMissing(server.URL+"/data.tar.gz", baseDir, "data.tar.gz", "batches", ""))
	assert.Equal(t, int32(1), requests.Load())

	// Wrong hash.
	otherDir := t.TempDir()
	err = DownloadAndUntarIfMissing(server.URL+"/data.tar.gz", otherDir, "data.tar.gz", "batches",
		"0000000000000000000000000000000000000000000000000000000000000000")
	require.True(t, errors.Is(err, ErrChecksum), "got error %+v", err)

	// Archive without the expected directory.
	err = DownloadAndUntarIfMissing(server.URL+"/data.tar.gz", t.TempDir(), "data.tar.gz", "missing", "")
	require.Error(t, err)
}

func TestDownloadHTTPError(t *testing.T) {
	ShowProgress = false
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	_, err := Download(server.URL+"/nothing", filepath.Join(t.TempDir(), "nothing"))
	require.Error(t, err)
}

func TestUntarRejectsEscapingPaths(t *testing.T) {
	baseDir := t.TempDir()
	tarPath := filepath.Join(baseDir, "evil.tar.gz")
	require.NoError(t, os.WriteFile(tarPath, makeTarGz(t, map[string]string{"../evil.txt": "x"}), 0o644))
	require.Error(t, Untar(baseDir, tarPath))
	_, err := os.Stat(filepath.Join(filepath.Dir(baseDir), "evil.txt"))
	assert.True(t, os.IsNotExist(err))
}
