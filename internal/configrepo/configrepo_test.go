package configrepo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fentz26/flotilla/internal/models"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func newTree(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, root, "prod/apple/general/1.0/etc/config.properties", "apple=1")
	writeFile(t, root, "prod/apple/general/1.0/etc/jvm.config", "-Xmx1g")
	writeFile(t, root, "prod/apple/general/1.0/resources.yaml", "cpu: 1\nmemory: 512\n")
	writeFile(t, root, "prod/banana/ripe/2.0/etc/config.properties", "banana=2")
	writeFile(t, root, "defaults/etc/jvm.config", "-Xmx256m")
	writeFile(t, root, "defaults/etc/log.properties", "level=INFO")
	return root
}

func TestResolveMergesDefaults(t *testing.T) {
	repo := New(newTree(t), "http://coordinator/v1/config", zaptest.NewLogger(t))

	files, err := repo.Resolve("prod", models.ConfigSpec{Component: "apple", Version: "1.0"})
	require.NoError(t, err)

	base := "http://coordinator/v1/config/prod/apple/general/1.0/"
	assert.Equal(t, []models.ConfigFile{
		{Path: "etc/config.properties", URI: base + "etc/config.properties"},
		{Path: "etc/jvm.config", URI: base + "etc/jvm.config"},
		{Path: "etc/log.properties", URI: base + "etc/log.properties"},
		{Path: "resources.yaml", URI: base + "resources.yaml"},
	}, files)
}

func TestResolvePool(t *testing.T) {
	repo := New(newTree(t), "", nil)

	spec, err := models.ParseConfigSpec("@banana:ripe:2.0")
	require.NoError(t, err)
	files, err := repo.Resolve("prod", spec)
	require.NoError(t, err)
	assert.Len(t, files, 3)

	_, err = repo.Resolve("prod", models.ConfigSpec{Component: "banana", Version: "2.0"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.Resolve("staging", spec)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenFallsBackToDefaults(t *testing.T) {
	repo := New(newTree(t), "", nil)
	spec := models.ConfigSpec{Component: "apple", Version: "1.0"}

	data, err := repo.Open("prod", spec, "etc/jvm.config")
	require.NoError(t, err)
	assert.Equal(t, "-Xmx1g", string(data))

	data, err = repo.Open("prod", spec, "etc/log.properties")
	require.NoError(t, err)
	assert.Equal(t, "level=INFO", string(data))

	_, err = repo.Open("prod", spec, "../../../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResources(t *testing.T) {
	repo := New(newTree(t), "", nil)

	resources, err := repo.Resources("prod", models.ConfigSpec{Component: "apple", Version: "1.0"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cpu": 1, "memory": 512}, resources)

	resources, err = repo.Resources("prod", models.ConfigSpec{Component: "banana", Pool: "ripe", Version: "2.0"})
	require.NoError(t, err)
	assert.Nil(t, resources)
}

func TestCacheAndRefresh(t *testing.T) {
	root := newTree(t)
	repo := New(root, "", nil)
	spec := models.ConfigSpec{Component: "banana", Pool: "ripe", Version: "2.0"}

	files, err := repo.Resolve("prod", spec)
	require.NoError(t, err)
	require.Len(t, files, 3)

	writeFile(t, root, "prod/banana/ripe/2.0/etc/extra", "x")
	files, err = repo.Resolve("prod", spec)
	require.NoError(t, err)
	assert.Len(t, files, 3, "cached bundle")

	repo.Refresh()
	files, err = repo.Resolve("prod", spec)
	require.NoError(t, err)
	assert.Len(t, files, 4)
}

func TestWatchInvalidatesCache(t *testing.T) {
	root := newTree(t)
	repo := New(root, "", zaptest.NewLogger(t))
	require.NoError(t, repo.Watch())
	t.Cleanup(func() { repo.Close() })

	spec := models.ConfigSpec{Component: "apple", Version: "1.0"}
	files, err := repo.Resolve("prod", spec)
	require.NoError(t, err)
	require.Len(t, files, 4)

	writeFile(t, root, "prod/apple/general/1.0/etc/node.properties", "node=1")

	require.Eventually(t, func() bool {
		files, err := repo.Resolve("prod", spec)
		return err == nil && len(files) == 5
	}, 5*time.Second, 20*time.Millisecond)
}
