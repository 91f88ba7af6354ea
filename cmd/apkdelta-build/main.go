// Command apkdelta-build produces a patch and manifest for one
// baseline/target APK pair, mirroring the original publisher's
// build_patch.py: pick a format, build the patch artifact, write the
// manifest JSON alongside it.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"apkdelta/internal/apkhash"
	"apkdelta/internal/apkraw"
	"apkdelta/internal/apkzip"
	"apkdelta/internal/manifest"
	"apkdelta/internal/opatch"
)

var (
	from       = flag.String("from", "", "path to the baseline `.apk`")
	to         = flag.String("to", "", "path to the target `.apk`")
	outDir     = flag.String("out", ".", "directory to write the patch artifact and manifest into")
	format     = flag.String("format", "opatch-1", "patch format: opatch-1, apkzip-1, or apkraw-1")
	blockSize  = flag.Int("block-size", opatch.DefaultBlockSize, "opatch-1 block size in bytes")
	repo       = flag.String("repo", "", "owner/name of the GitHub repository this patch will be published under")
	tag        = flag.String("tag", "", "release tag this patch will be published under")
	fromVer    = flag.String("from-version", "", "baseline version string, e.g. 1.2.0")
	toVer      = flag.String("to-version", "", "target version string, e.g. 1.3.0")
	patchIndex = flag.Int("patch-index", 0, "patch index within -to-version")
)

func main() {
	flag.Parse()
	if *from == "" || *to == "" {
		die(fmt.Errorf("both -from and -to are required"))
	}
	check(os.MkdirAll(*outDir, 0o755))

	var m manifest.Manifest
	var err error

	switch manifest.Format(*format) {
	case manifest.FormatOpatch:
		m, err = buildOpatch()
	case manifest.FormatApkZip:
		m, err = buildApkZip()
	case manifest.FormatApkRaw:
		m, err = buildApkRaw()
	default:
		err = fmt.Errorf("unknown -format %q", *format)
	}
	check(err)

	m.Repo = *repo
	m.Tag = *tag
	if *fromVer != "" {
		m.FromVersion = fromVer
	}
	if *toVer != "" {
		m.ToVersion = toVer
	}
	m.ToPatchIndex = patchIndex
	m.CreatedAt = nowUnix()

	data, err := manifest.Marshal(m)
	check(err)
	manifestPath := *outDir + "/" + m.PatchFile + ".manifest.json"
	check(os.WriteFile(manifestPath, data, 0o644))
	fmt.Println("wrote", manifestPath)
}

func buildOpatch() (manifest.Manifest, error) {
	patchPath := *outDir + "/patch.opatch"
	res, err := opatch.Build(*from, *to, patchPath, *blockSize)
	if err != nil {
		return manifest.Manifest{}, err
	}
	patchSha, err := apkhash.SHA256FileHex(patchPath)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return manifest.Manifest{
		Format:       manifest.FormatOpatch,
		BaseSha256:   hexOf(res.OldSha256),
		TargetSha256: hexOf(res.NewSha256),
		BlockSize:    res.BlockSize,
		PatchFile:    "patch.opatch",
		PatchSha256:  patchSha,
	}, nil
}

func buildApkZip() (manifest.Manifest, error) {
	patchPath := *outDir + "/patch.apkzip"
	_, m, err := apkzip.Build(*from, *to, patchPath)
	if err != nil {
		return manifest.Manifest{}, err
	}
	m.PatchFile = "patch.apkzip"
	return m, nil
}

func buildApkRaw() (manifest.Manifest, error) {
	patchPath := *outDir + "/patch.apkraw"
	m, err := apkraw.Build(*from, *to, patchPath)
	if err != nil {
		return manifest.Manifest{}, err
	}
	m.PatchFile = "patch.apkraw"
	return m, nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func hexOf(sum [32]byte) string {
	return hex.EncodeToString(sum[:])
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
