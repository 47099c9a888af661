package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
	"gopkg.in/yaml.v3"

	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/version"
)

const maxManifestBytes = 1 << 20

var (
	// ErrNoInstaller is returned when a manifest has no installer for the architecture.
	ErrNoInstaller = errors.New("no installer for architecture")
	// ErrUnknownArchitecture rejects architectures winget does not define.
	ErrUnknownArchitecture = errors.New("unknown architecture")
)

var architectures = map[string]bool{"x86": true, "x64": true, "arm": true, "arm64": true, "neutral": true}

// manifestHeader holds the root fields of an installer manifest; per-installer
// fields override them.
type manifestHeader struct {
	PackageIdentifier string `yaml:"PackageIdentifier"`
	PackageVersion    string `yaml:"PackageVersion"`
	InstallerType     string `yaml:"InstallerType"`
	Scope             string `yaml:"Scope"`
}

// Resolver finds installer metadata in a manifest Source.
type Resolver struct {
	source Source
	logger *slog.Logger
}

// NewResolver constructs a Resolver over src.
func NewResolver(src Source, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: src, logger: logger.With("component", "catalog")}
}

// PackageDir is the manifest directory for a package id, e.g.
// "Mozilla.Firefox" -> "m/Mozilla/Firefox".
func PackageDir(packageID string) string {
	if packageID == "" {
		return ""
	}
	return strings.ToLower(packageID[:1]) + "/" + strings.ReplaceAll(packageID, ".", "/")
}

// Versions lists the version folders published for a package.
func (r *Resolver) Versions(ctx context.Context, packageID string) ([]string, error) {
	dirs, err := r.source.ListDirs(ctx, PackageDir(packageID))
	if err != nil {
		return nil, err
	}
	out := dirs[:0]
	for _, d := range dirs {
		// Sub-package folders (e.g. Mozilla/Firefox/ESR) do not start with a digit.
		if d != "" && d[0] >= '0' && d[0] <= '9' {
			out = append(out, d)
		}
	}
	return out, nil
}

// LatestVersion returns the highest published version of a package.
func (r *Resolver) LatestVersion(ctx context.Context, packageID string) (string, error) {
	versions, err := r.Versions(ctx, packageID)
	if err != nil {
		return "", err
	}
	latest := version.Newest(versions)
	if latest == "" {
		return "", fmt.Errorf("%s: %w", packageID, ErrManifestNotFound)
	}
	return latest, nil
}

// Resolve returns the installer for packageID at pkgVersion on architecture.
// A neutral installer is accepted when no architecture-specific one exists.
func (r *Resolver) Resolve(ctx context.Context, packageID, pkgVersion, architecture string) (models.InstallerInfo, error) {
	arch := strings.ToLower(strings.TrimSpace(architecture))
	if arch == "" {
		arch = "x64"
	}
	if !architectures[arch] {
		return models.InstallerInfo{}, fmt.Errorf("%q: %w", architecture, ErrUnknownArchitecture)
	}

	body, err := r.manifest(ctx, packageID, pkgVersion)
	if err != nil {
		return models.InstallerInfo{}, err
	}

	var header manifestHeader
	if err := yaml.Unmarshal(body, &header); err != nil {
		return models.InstallerInfo{}, fmt.Errorf("decode manifest: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return models.InstallerInfo{}, fmt.Errorf("decode manifest: %w", err)
	}

	for _, candidate := range []string{arch, "neutral"} {
		inst, ok, err := selectInstaller(doc, candidate)
		if err != nil {
			return models.InstallerInfo{}, err
		}
		if !ok {
			continue
		}
		info := models.InstallerInfo{
			PackageID:     firstNonEmpty(header.PackageIdentifier, packageID),
			Version:       firstNonEmpty(header.PackageVersion, pkgVersion),
			Architecture:  candidate,
			InstallerType: firstNonEmpty(stringField(inst, "InstallerType"), header.InstallerType),
			InstallerURL:  stringField(inst, "InstallerUrl"),
			SHA256:        stringField(inst, "InstallerSha256"),
			Scope:         firstNonEmpty(stringField(inst, "Scope"), header.Scope),
		}
		if info.InstallerURL == "" {
			return models.InstallerInfo{}, fmt.Errorf("%s %s: installer entry has no url", packageID, pkgVersion)
		}
		r.logger.DebugContext(ctx, "installer resolved", "winget_id", packageID, "version", info.Version, "architecture", candidate)
		return info, nil
	}
	return models.InstallerInfo{}, fmt.Errorf("%s %s %s: %w", packageID, pkgVersion, arch, ErrNoInstaller)
}

// manifest loads the installer manifest, trying the single-file and
// alternate-case layouts some packages use.
func (r *Resolver) manifest(ctx context.Context, packageID, pkgVersion string) ([]byte, error) {
	dir := PackageDir(packageID) + "/" + pkgVersion + "/"
	names := []string{packageID + ".installer.yaml", packageID + ".yaml", packageID + ".Installer.yaml"}
	var lastErr error
	for _, name := range names {
		body, err := r.source.Get(ctx, dir+name)
		if err == nil {
			return body, nil
		}
		if !errors.Is(err, ErrManifestNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// selectInstaller picks the first installer entry for arch using a JMESPath filter.
func selectInstaller(doc map[string]any, arch string) (map[string]any, bool, error) {
	expr := fmt.Sprintf("Installers[?Architecture=='%s'] | [0]", arch)
	res, err := jmespath.Search(expr, doc)
	if err != nil {
		return nil, false, fmt.Errorf("select installer: %w", err)
	}
	inst, ok := res.(map[string]any)
	return inst, ok, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
