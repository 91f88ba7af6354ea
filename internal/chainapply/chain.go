// Package chainapply walks a catalog of manifests forward from a local
// baseline file, applying whichever manifest's declared baseline matches
// the current file, replacing the baseline with the result, and repeating
// until no manifest matches or the catalog is exhausted. This is the
// "--auto" mode of the original publisher's apply_patch.py, generalized
// into a reusable component (distilled spec §4.8).
package chainapply

import (
	"context"
	"fmt"
	"io"
	"os"

	"apkdelta/internal/delta"
	"apkdelta/internal/identity"
	"apkdelta/internal/manifest"
	"apkdelta/internal/release"
	"apkdelta/internal/semver"
)

// Step records one applied manifest, in application order.
type Step struct {
	Manifest manifest.Manifest
}

// Result is the outcome of walking a chain to completion.
type Result struct {
	Steps       []Step
	FinalPath   string
	FinalExists bool
}

// candidateFor chooses, among manifests in catalog whose declared
// baseline matches currentPath, the one with the greatest toVersion (by
// the lenient ordering in internal/semver). Ties are broken by the
// greatest toPatchIndex, which semver.Compare already folds in once
// Format renders it into the version string; here candidates carry raw
// fields so comparison is done directly on (toVersion, toPatchIndex).
func candidateFor(catalog []manifest.Manifest, currentPath string) (manifest.Manifest, bool, error) {
	var best manifest.Manifest
	haveBest := false

	for _, m := range catalog {
		matches, err := identity.MatchesBaseline(currentPath, m)
		if err != nil {
			return manifest.Manifest{}, false, err
		}
		if !matches {
			continue
		}
		if !haveBest || isNewer(m, best) {
			best = m
			haveBest = true
		}
	}
	return best, haveBest, nil
}

func isNewer(a, b manifest.Manifest) bool {
	av, bv := versionOf(a), versionOf(b)
	return semver.Compare(av, bv) > 0
}

func versionOf(m manifest.Manifest) semver.Version {
	var vs string
	if m.ToVersion != nil {
		vs = *m.ToVersion
	}
	v := semver.Parse(vs)
	if m.ToPatchIndex != nil {
		v.PatchIndex = *m.ToPatchIndex
	}
	return v
}

// Run walks forward from startPath using manifests from catalog,
// downloading each chosen patch artifact through sink and applying it via
// internal/delta, until no candidate manifest's baseline matches the
// current file. The loop is bounded by len(catalog) iterations: a correct
// catalog can never need more applications than it has manifests, and a
// catalog with a cycle (which a well-formed publishing process cannot
// produce) would otherwise loop forever.
func Run(ctx context.Context, startPath, workDir string, catalog []manifest.Manifest, sink release.ArtifactSink) (Result, error) {
	current := startPath
	result := Result{FinalPath: startPath, FinalExists: true}

	maxIterations := len(catalog)
	for i := 0; i < maxIterations; i++ {
		m, ok, err := candidateFor(catalog, current)
		if err != nil {
			return result, err
		}
		if !ok {
			break
		}

		patchPath, err := fetchArtifact(ctx, sink, m, workDir, i)
		if err != nil {
			return result, err
		}

		nextPath := fmt.Sprintf("%s/step-%d.apk", workDir, i)
		if err := delta.Apply(current, patchPath, nextPath, m); err != nil {
			return result, err
		}

		result.Steps = append(result.Steps, Step{Manifest: m})
		current = nextPath
		result.FinalPath = current
	}

	return result, nil
}

func fetchArtifact(ctx context.Context, sink release.ArtifactSink, m manifest.Manifest, workDir string, step int) (string, error) {
	dst := fmt.Sprintf("%s/patch-%d-%s", workDir, step, sanitizeName(m.PatchFile))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var w io.Writer = f
	if err := sink.Download(ctx, m.Repo, m.Tag, m.PatchFile, w); err != nil {
		return "", err
	}
	return dst, nil
}

func sanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '/' || r == '\\' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
