package release

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"apkdelta/internal/manifest"
)

// manifestAssetSuffix names the JSON asset attached to every release that
// publishes a patch, distinguishing it from the binary patch artifact
// (the opatch/apkzip/apkraw file) on the same release.
const manifestAssetSuffix = ".manifest.json"

// GitHubSource lists releases of a GitHub repository and parses the
// manifest JSON asset attached to each into a manifest.Manifest.
type GitHubSource struct {
	client *github.Client
}

// GitHubSink uploads and downloads release assets for a GitHub repository.
type GitHubSink struct {
	client *github.Client
}

// NewClient builds an *github.Client authenticated with token (a GitHub
// personal access token or Actions-issued token); an empty token yields
// an unauthenticated client, sufficient for reading public releases.
func NewClient(ctx context.Context, token string) *github.Client {
	if token == "" {
		return github.NewClient(nil)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// NewGitHubSource wraps an existing client as a ManifestSource.
func NewGitHubSource(client *github.Client) *GitHubSource { return &GitHubSource{client: client} }

// NewGitHubSink wraps an existing client as an ArtifactSink.
func NewGitHubSink(client *github.Client) *GitHubSink { return &GitHubSink{client: client} }

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("release: repo must be \"owner/name\", got %q", repo)
	}
	return parts[0], parts[1], nil
}

// retry wraps op with exponential backoff, retrying only on errors that
// look transient (network failures, 5xx, rate limiting) rather than on
// every error: a 404 for a genuinely missing release should surface
// immediately, not loop.
func retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func isTransient(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		code := ghErr.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	return true // unclassified errors (network, timeout) are treated as transient
}

// ListManifests lists every release of repo, newest first, and parses the
// manifest JSON asset attached to each (a release without one is skipped:
// not every release necessarily publishes a patch).
func (s *GitHubSource) ListManifests(ctx context.Context, repo string) ([]manifest.Manifest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var releases []*github.RepositoryRelease
	opt := &github.ListOptions{PerPage: 100}
	for {
		var page []*github.RepositoryRelease
		var resp *github.Response
		err := retry(ctx, func() error {
			var listErr error
			page, resp, listErr = s.client.Repositories.ListReleases(ctx, owner, name, opt)
			return listErr
		})
		if err != nil {
			return nil, fmt.Errorf("release: list releases for %s: %w", repo, err)
		}
		releases = append(releases, page...)
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}

	var manifests []manifest.Manifest
	for _, rel := range releases {
		for _, asset := range rel.Assets {
			if !strings.HasSuffix(asset.GetName(), manifestAssetSuffix) {
				continue
			}
			var buf bytes.Buffer
			if err := s.downloadAsset(ctx, owner, name, asset.GetID(), &buf); err != nil {
				return nil, fmt.Errorf("release: download manifest asset %s: %w", asset.GetName(), err)
			}
			m, err := manifest.Parse(buf.Bytes())
			if err != nil {
				return nil, err
			}
			manifests = append(manifests, m)
		}
	}
	return manifests, nil
}

func (s *GitHubSource) downloadAsset(ctx context.Context, owner, name string, assetID int64, dst io.Writer) error {
	return retry(ctx, func() error {
		rc, _, err := s.client.Repositories.DownloadReleaseAsset(ctx, owner, name, assetID, http.DefaultClient)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(dst, rc)
		return err
	})
}

// Download fetches the named asset from repo's release tagged tag.
func (s *GitHubSink) Download(ctx context.Context, repo, tag, assetName string, dst io.Writer) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	var rel *github.RepositoryRelease
	if err := retry(ctx, func() error {
		var e error
		rel, _, e = s.client.Repositories.GetReleaseByTag(ctx, owner, name, tag)
		return e
	}); err != nil {
		return fmt.Errorf("release: get release %s@%s: %w", repo, tag, err)
	}

	for _, asset := range rel.Assets {
		if asset.GetName() != assetName {
			continue
		}
		return retry(ctx, func() error {
			rc, _, err := s.client.Repositories.DownloadReleaseAsset(ctx, owner, name, asset.GetID(), http.DefaultClient)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(dst, rc)
			return err
		})
	}
	return fmt.Errorf("release: asset %q not found on %s@%s", assetName, repo, tag)
}

// Upload creates (or reuses) the release tagged tag on repo and attaches
// every asset to it.
func (s *GitHubSink) Upload(ctx context.Context, repo, tag string, assets []Asset) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	var rel *github.RepositoryRelease
	err = retry(ctx, func() error {
		var e error
		rel, _, e = s.client.Repositories.GetReleaseByTag(ctx, owner, name, tag)
		return e
	})
	if err != nil {
		created := &github.RepositoryRelease{
			TagName: github.String(tag),
			Name:    github.String(tag),
		}
		if err := retry(ctx, func() error {
			var e error
			rel, _, e = s.client.Repositories.CreateRelease(ctx, owner, name, created)
			return e
		}); err != nil {
			return fmt.Errorf("release: create release %s@%s: %w", repo, tag, err)
		}
	}

	for _, asset := range assets {
		// UploadReleaseAsset needs an *os.File (it stats the file for its
		// Content-Length), so each asset body is staged to a temp file first.
		tmp, err := os.CreateTemp("", "apkdelta-asset-*")
		if err != nil {
			return err
		}
		if _, err := io.Copy(tmp, asset.Body); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}

		opts := github.UploadOptions{Name: asset.Name}
		uploadErr := retry(ctx, func() error {
			if _, err := tmp.Seek(0, io.SeekStart); err != nil {
				return err
			}
			_, _, e := s.client.Repositories.UploadReleaseAsset(ctx, owner, name, rel.GetID(), &opts, tmp)
			return e
		})
		tmp.Close()
		os.Remove(tmp.Name())
		if uploadErr != nil {
			return fmt.Errorf("release: upload asset %s to %s@%s: %w", asset.Name, repo, tag, uploadErr)
		}
	}
	return nil
}

// MarshalManifestAsset renders m as the JSON asset body Upload expects,
// named "<baseName><manifestAssetSuffix>".
func MarshalManifestAsset(baseName string, m manifest.Manifest) (Asset, error) {
	data, err := manifest.Marshal(m)
	if err != nil {
		return Asset{}, err
	}
	return Asset{Name: baseName + manifestAssetSuffix, Body: bytes.NewReader(data)}, nil
}
