// Command apkdelta-apply applies a single manifest/patch pair to a local
// baseline file, or (with -auto) walks a full chain of manifests listed by
// a GitHub repository's releases, mirroring the original publisher's
// apply_patch.py.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"apkdelta/internal/chainapply"
	"apkdelta/internal/delta"
	"apkdelta/internal/manifest"
	"apkdelta/internal/release"
)

var (
	baseline     = flag.String("base", "", "path to the local baseline `.apk`")
	out          = flag.String("out", "", "path to write the reconstructed target to")
	manifestPath = flag.String("manifest", "", "path to a single manifest JSON file (non--auto mode)")
	patchPath    = flag.String("patch", "", "path to the patch artifact file named by -manifest")
	auto         = flag.Bool("auto", false, "walk the full release chain instead of applying one manifest")
	repo         = flag.String("repo", "", "owner/name of the GitHub repository to list releases from (-auto mode)")
	token        = flag.String("token", "", "GitHub token for authenticated requests (-auto mode); empty reads public releases only")
	workDir      = flag.String("work", "", "scratch directory for intermediate chain-walk files (-auto mode); defaults to a temp dir")
)

func main() {
	flag.Parse()
	if *baseline == "" || *out == "" {
		die(fmt.Errorf("both -base and -out are required"))
	}

	if *auto {
		runAuto()
		return
	}

	if *manifestPath == "" || *patchPath == "" {
		die(fmt.Errorf("-manifest and -patch are required unless -auto is set"))
	}
	data, err := os.ReadFile(*manifestPath)
	check(err)
	m, err := manifest.Parse(data)
	check(err)

	check(delta.Apply(*baseline, *patchPath, *out, m))
	fmt.Println("wrote", *out)
}

func runAuto() {
	if *repo == "" {
		die(fmt.Errorf("-repo is required with -auto"))
	}
	work := *workDir
	if work == "" {
		tmp, err := os.MkdirTemp("", "apkdelta-apply-*")
		check(err)
		work = tmp
	}

	ctx := context.Background()
	client := release.NewClient(ctx, *token)
	source := release.NewGitHubSource(client)
	sink := release.NewGitHubSink(client)

	catalog, err := source.ListManifests(ctx, *repo)
	check(err)

	result, err := chainapply.Run(ctx, *baseline, work, catalog, sink)
	check(err)

	if len(result.Steps) == 0 {
		fmt.Println("no applicable patch found; baseline is already up to date or unrecognized")
		return
	}

	data, err := os.ReadFile(result.FinalPath)
	check(err)
	check(os.WriteFile(*out, data, 0o644))
	fmt.Printf("applied %d patch(es), wrote %s\n", len(result.Steps), *out)
}

func check(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func die(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
