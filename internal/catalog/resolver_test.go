package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const firefoxManifest = `PackageIdentifier: Mozilla.Firefox
PackageVersion: 129.0.2
InstallerType: nullsoft
Scope: machine
Installers:
- Architecture: x86
  InstallerUrl: https://download.example/firefox-129.0.2-x86.exe
  InstallerSha256: AAAA
- Architecture: x64
  InstallerUrl: https://download.example/firefox-129.0.2-x64.exe
  InstallerSha256: BBBB
- Architecture: arm64
  InstallerType: msix
  Scope: user
  InstallerUrl: https://download.example/firefox-129.0.2-arm64.msix
  InstallerSha256: CCCC
ManifestType: installer
ManifestVersion: 1.6.0
`

const neutralManifest = `PackageIdentifier: Notepad.Portable
PackageVersion: 2.1
Installers:
- Architecture: neutral
  InstallerType: zip
  InstallerUrl: https://download.example/np.zip
  InstallerSha256: DDDD
`

func writeManifest(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	root := t.TempDir()
	writeManifest(t, root, "m/Mozilla/Firefox/129.0.2/Mozilla.Firefox.installer.yaml", firefoxManifest)
	writeManifest(t, root, "m/Mozilla/Firefox/128.0.3/Mozilla.Firefox.installer.yaml", firefoxManifest)
	writeManifest(t, root, "m/Mozilla/Firefox/ESR/128.1.0/Mozilla.Firefox.ESR.installer.yaml", firefoxManifest)
	writeManifest(t, root, "n/Notepad/Portable/2.1/Notepad.Portable.yaml", neutralManifest)
	return NewResolver(&DirSource{Root: root}, nil)
}

func TestPackageDir(t *testing.T) {
	assert.Equal(t, "m/Mozilla/Firefox", PackageDir("Mozilla.Firefox"))
	assert.Equal(t, "7/7zip/7zip", PackageDir("7zip.7zip"))
}

func TestResolve_SelectsArchitecture(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	info, err := r.Resolve(ctx, "Mozilla.Firefox", "129.0.2", "x64")
	require.NoError(t, err)
	assert.Equal(t, "https://download.example/firefox-129.0.2-x64.exe", info.InstallerURL)
	assert.Equal(t, "BBBB", info.SHA256)
	assert.Equal(t, "nullsoft", info.InstallerType)
	assert.Equal(t, "machine", info.Scope)

	info, err = r.Resolve(ctx, "Mozilla.Firefox", "129.0.2", "ARM64")
	require.NoError(t, err)
	assert.Equal(t, "msix", info.InstallerType, "installer fields override manifest root")
	assert.Equal(t, "user", info.Scope)
}

func TestResolve_FallsBackToNeutralAndSingleFileLayout(t *testing.T) {
	r := newResolver(t)
	info, err := r.Resolve(context.Background(), "Notepad.Portable", "2.1", "x64")
	require.NoError(t, err)
	assert.Equal(t, "neutral", info.Architecture)
	assert.Equal(t, "zip", info.InstallerType)
}

func TestResolve_Errors(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "Mozilla.Firefox", "1.0", "x64")
	require.ErrorIs(t, err, ErrManifestNotFound)

	_, err = r.Resolve(ctx, "Mozilla.Firefox", "129.0.2", "arm")
	require.ErrorIs(t, err, ErrNoInstaller)

	_, err = r.Resolve(ctx, "Mozilla.Firefox", "129.0.2", "x64' || true")
	require.ErrorIs(t, err, ErrUnknownArchitecture)
}

func TestLatestVersion_IgnoresSubPackages(t *testing.T) {
	r := newResolver(t)
	v, err := r.LatestVersion(context.Background(), "Mozilla.Firefox")
	require.NoError(t, err)
	assert.Equal(t, "129.0.2", v)

	_, err = r.LatestVersion(context.Background(), "Unknown.Package")
	require.ErrorIs(t, err, ErrManifestNotFound)
}
