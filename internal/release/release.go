// Package release defines the injected collaborators a patch pipeline
// talks to: discovering published manifests and fetching/publishing the
// artifacts they reference. internal/chainapply and the CLI commands only
// ever see the ManifestSource/ArtifactSink interfaces; GitHubSource and
// GitHubSink are the concrete adapter this module ships (distilled spec
// §2's "ManifestSource / ArtifactSink (interfaces) ... Injected" line,
// expanded in SPEC_FULL.md §4.11).
package release

import (
	"context"
	"io"

	"apkdelta/internal/manifest"
)

// Asset is one file to attach to a release, named by its filename within
// the release and backed by an io.Reader the sink streams to completion.
type Asset struct {
	Name string
	Body io.Reader
}

// ManifestSource discovers the manifests published for a repository. A
// GitHub-backed implementation lists a repo's releases and reads the
// manifest JSON asset attached to each.
type ManifestSource interface {
	ListManifests(ctx context.Context, repo string) ([]manifest.Manifest, error)
}

// ArtifactSink uploads a patch's assets to a release and downloads a
// named asset back, so both build-time publishing and apply-time fetching
// go through the same collaborator boundary.
type ArtifactSink interface {
	Upload(ctx context.Context, repo, tag string, assets []Asset) error
	Download(ctx context.Context, repo, tag, assetName string, dst io.Writer) error
}
