package release

import (
	"strings"
	"testing"

	"apkdelta/internal/manifest"
)

func TestSplitRepoRejectsMalformed(t *testing.T) {
	cases := []string{"", "noSlash", "/missing-owner", "missing-name/"}
	for _, repo := range cases {
		if _, _, err := splitRepo(repo); err == nil {
			t.Errorf("splitRepo(%q) = nil error, want error", repo)
		}
	}
}

func TestSplitRepoAcceptsOwnerSlashName(t *testing.T) {
	owner, name, err := splitRepo("acme/app")
	if err != nil {
		t.Fatalf("splitRepo: %v", err)
	}
	if owner != "acme" || name != "app" {
		t.Fatalf("splitRepo = (%q, %q), want (acme, app)", owner, name)
	}
}

func TestMarshalManifestAssetNamesAndBody(t *testing.T) {
	toVersion := "1.2.0"
	m := manifest.Manifest{
		Format:       manifest.FormatOpatch,
		Repo:         "acme/app",
		Tag:          "v1.2.0",
		ToVersion:    &toVersion,
		PatchFile:    "1.1.0-to-1.2.0.opatch",
		PatchSha256:  "ab",
		BaseSha256:   "cd",
		TargetSha256: "ef",
		BlockSize:    4096,
	}
	asset, err := MarshalManifestAsset("1.1.0-to-1.2.0", m)
	if err != nil {
		t.Fatalf("MarshalManifestAsset: %v", err)
	}
	if !strings.HasSuffix(asset.Name, ".manifest.json") {
		t.Errorf("asset name = %q, want suffix .manifest.json", asset.Name)
	}

	buf := make([]byte, 4096)
	n, _ := asset.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), `"format": "opatch-1"`) {
		t.Errorf("asset body does not contain expected format field: %s", buf[:n])
	}
}
