package platform

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromGOOS_KnownValues(t *testing.T) {
	cases := map[string]OS{"windows": Windows, "darwin": MacOS, "linux": Linux}
	for goos, want := range cases {
		got, err := FromGOOS(goos)
		require.NoError(t, err, goos)
		assert.Equal(t, want, got)
	}
}

func TestFromGOOS_Unsupported(t *testing.T) {
	for _, goos := range []string{"freebsd", "plan9", "js", ""} {
		got, err := FromGOOS(goos)
		assert.True(t, errors.Is(err, ErrUnsupportedPlatform), goos)
		assert.Empty(t, got)
	}
}

func TestDetectOS_NeverUnknownVariant(t *testing.T) {
	got, err := DetectOS()
	if err != nil {
		require.ErrorIs(t, err, ErrUnsupportedPlatform)
		return
	}
	assert.Contains(t, []OS{Windows, MacOS, Linux}, got)
}

func TestDetectInstalledBrowsers_ExcludesMissing(t *testing.T) {
	home := t.TempDir()
	chromeProfile := filepath.Join(home, ".config", "google-chrome", "Default")
	require.NoError(t, os.MkdirAll(chromeProfile, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(chromeProfile, ChromiumStoreFile), []byte(`{}`), 0o600))

	ffProfile := filepath.Join(home, ".mozilla", "firefox", "abcd.default-release")
	require.NoError(t, os.MkdirAll(ffProfile, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ffProfile, FirefoxStoreFile), nil, 0o600))

	d := &Detector{Home: home, OS: Linux}
	found := d.DetectInstalledBrowsers()

	names := make([]string, 0, len(found))
	for _, p := range found {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"chrome", "firefox"}, names)

	for _, p := range found {
		require.Len(t, p.StorePaths, 1, p.Name)
		assert.True(t, p.SupportsFullClear)
	}
}

func TestLookup_SafariOnlyOnMacOS(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "Library", "Cookies"), 0o755))

	linux := &Detector{Home: home, OS: Linux}
	_, ok := linux.Lookup("safari")
	assert.False(t, ok)
	assert.False(t, linux.Supported("safari"))

	mac := &Detector{Home: home, OS: MacOS}
	p, ok := mac.Lookup("Safari")
	require.True(t, ok)
	assert.Equal(t, Safari, p.Family)
	assert.Empty(t, p.StorePaths)
}

func TestFindStoreFiles_MultipleProfiles(t *testing.T) {
	root := t.TempDir()
	for _, prof := range []string{"b.default", "a.dev"} {
		dir := filepath.Join(root, prof)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, FirefoxStoreFile), nil, 0o600))
	}
	paths := FindStoreFiles(root, FirefoxStoreFile)
	require.Len(t, paths, 2)
	assert.Contains(t, paths[0], "a.dev")
}
