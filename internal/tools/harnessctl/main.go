// Program harnessctl prepares a matrix host: it lists, installs, and
// verifies the sibling-runtime harness binaries the orchestrator launches.
// Binaries come from GitHub releases as <binary>_<goos>_<goarch>.tar.gz
// with a .sha256 companion; install writes them next to soup-kvd so
// runtime lookup finds them on PATH.
//
// The orchestrator never shells out to this tool. It is for operators.
package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

type harnessSpec struct {
	Name   string
	Owner  string
	Repo   string
	Binary string
}

var knownHarnesses = map[string]harnessSpec{
	"py": {
		Name:   "py",
		Owner:  "provide-io",
		Repo:   "tofusoup",
		Binary: "soup-py",
	},
	"rust": {
		Name:   "rust",
		Owner:  "provide-io",
		Repo:   "tofusoup-rs",
		Binary: "soup-rs",
	},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}
	switch args[0] {
	case "list":
		return cmdList(args[1:], out, errOut)
	case "install":
		return cmdInstall(args[1:], out, errOut)
	case "verify":
		return cmdVerify(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "harnessctl: sibling harness binaries for the conformance matrix")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  harnessctl list [--harness <name>] [--with-latest] [--os <goos>] [--arch <goarch>] [--json]")
	fmt.Fprintln(w, "  harnessctl install --harness <name> [--version <tag>] [--install-dir <dir>] [--overwrite] [--no-verify]")
	fmt.Fprintln(w, "  harnessctl verify --harness <name> [--version <tag>] [--install-dir <dir> | --binary-path <path>] [--no-verify]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - installed binaries follow the conformance CLI contract (server and")
	fmt.Fprintln(w, "    connect subcommands) and are addressed from a plan as exec:<path>")
	fmt.Fprintln(w, "  - --github-token (or GITHUB_TOKEN) raises the API rate limit")
}

// target holds the flags shared by install and verify.
type target struct {
	harness    string
	version    string
	goos       string
	goarch     string
	token      string
	repo       string
	binaryName string
	noVerify   bool
}

func (t *target) register(fs *flag.FlagSet) {
	fs.StringVar(&t.harness, "harness", "", "Harness to operate on: "+strings.Join(sortedHarnessNames(), "|"))
	fs.StringVar(&t.version, "version", "", "Release tag (e.g. v1.2.3); empty means latest")
	fs.StringVar(&t.goos, "os", runtime.GOOS, "Target OS (goos)")
	fs.StringVar(&t.goarch, "arch", runtime.GOARCH, "Target arch (goarch)")
	fs.StringVar(&t.token, "github-token", "", "GitHub token (defaults to GITHUB_TOKEN)")
	fs.StringVar(&t.repo, "repo", "", "Override repo as owner/name (advanced)")
	fs.StringVar(&t.binaryName, "binary", "", "Override binary name (advanced)")
	fs.BoolVar(&t.noVerify, "no-verify", false, "Skip checksum verification")
}

func (t *target) resolve() (harnessSpec, error) {
	if t.harness == "" {
		return harnessSpec{}, errors.New("missing --harness")
	}
	if t.goos == "windows" {
		return harnessSpec{}, errors.New("windows is not supported by current harness releases")
	}
	spec, ok := knownHarnesses[t.harness]
	if !ok {
		return harnessSpec{}, fmt.Errorf("unknown harness %q (supported: %s)", t.harness, strings.Join(sortedHarnessNames(), ", "))
	}
	if t.repo != "" {
		owner, name, ok := strings.Cut(t.repo, "/")
		if !ok || owner == "" || name == "" {
			return harnessSpec{}, errors.New("--repo must be in the form owner/name")
		}
		spec.Owner, spec.Repo = owner, name
	}
	if t.binaryName != "" {
		spec.Binary = t.binaryName
	}
	if t.token == "" {
		t.token = os.Getenv("GITHUB_TOKEN")
	}
	return spec, nil
}

func cmdList(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var harness string
	var goos string
	var goarch string
	var token string
	var withLatest bool
	var asJSON bool

	fs.StringVar(&harness, "harness", "", "Harness to show (default all)")
	fs.StringVar(&goos, "os", runtime.GOOS, "Target OS used for asset checks with --with-latest")
	fs.StringVar(&goarch, "arch", runtime.GOARCH, "Target arch used for asset checks with --with-latest")
	fs.StringVar(&token, "github-token", "", "GitHub token (defaults to GITHUB_TOKEN)")
	fs.BoolVar(&withLatest, "with-latest", false, "Query releases/latest and show asset availability")
	fs.BoolVar(&asJSON, "json", false, "Emit JSON")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: harnessctl list [--harness <name>] [--with-latest] [--os <goos>] [--arch <goarch>] [--json]")
		return 2
	}
	if harness != "" {
		if _, ok := knownHarnesses[harness]; !ok {
			fmt.Fprintf(errOut, "unknown harness %q (supported: %s)\n", harness, strings.Join(sortedHarnessNames(), ", "))
			return 2
		}
	}
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}

	type listItem struct {
		Name          string `json:"name"`
		Repo          string `json:"repo"`
		Binary        string `json:"binary"`
		LatestVersion string `json:"latest_version,omitempty"`
		AssetOK       bool   `json:"asset_ok,omitempty"`
		ChecksumOK    bool   `json:"checksum_ok,omitempty"`
	}

	items := make([]listItem, 0, len(knownHarnesses))
	for _, name := range sortedHarnessNames() {
		if harness != "" && name != harness {
			continue
		}
		spec := knownHarnesses[name]
		item := listItem{
			Name:   spec.Name,
			Repo:   spec.Owner + "/" + spec.Repo,
			Binary: spec.Binary,
		}
		if withLatest {
			rel, err := fetchRelease(releaseAPIURL(spec.Owner, spec.Repo, ""), token)
			if err != nil {
				fmt.Fprintf(errOut, "fetch latest for %s: %v\n", spec.Name, err)
				return 1
			}
			item.LatestVersion = rel.TagName
			assetBase := assetName(spec.Binary, goos, goarch)
			_, item.AssetOK = findAssetURL(rel.Assets, assetBase)
			_, item.ChecksumOK = findAssetURL(rel.Assets, assetBase+".sha256")
		}
		items = append(items, item)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(items); err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		return 0
	}
	for _, it := range items {
		if !withLatest {
			fmt.Fprintf(out, "%s\t%s\t%s\n", it.Name, it.Repo, it.Binary)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\t%s\tlatest=%s\tasset=%v\tchecksum=%v\n", it.Name, it.Repo, it.Binary, it.LatestVersion, it.AssetOK, it.ChecksumOK)
	}
	return 0
}

func cmdInstall(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var t target
	var installDir string
	var overwrite bool
	t.register(fs)
	fs.StringVar(&installDir, "install-dir", "", "Install directory (default ~/.local/bin)")
	fs.BoolVar(&overwrite, "overwrite", false, "Overwrite an existing binary")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: harnessctl install --harness <name> [flags]")
		return 2
	}
	spec, err := t.resolve()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if installDir == "" {
		installDir = defaultInstallDir()
	}

	if err := os.MkdirAll(installDir, 0o755); err != nil {
		fmt.Fprintf(errOut, "mkdir %s: %v\n", installDir, err)
		return 1
	}
	destPath := filepath.Join(installDir, spec.Binary)
	if !overwrite {
		if _, err := os.Stat(destPath); err == nil {
			fmt.Fprintf(errOut, "destination exists: %s (use --overwrite)\n", destPath)
			return 2
		}
	}

	binBytes, version, err := fetchReleaseBinary(spec, &t)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	tmpPath := destPath + ".tmp"
	if err := os.WriteFile(tmpPath, binBytes, 0o755); err != nil {
		fmt.Fprintf(errOut, "write %s: %v\n", tmpPath, err)
		return 1
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		fmt.Fprintf(errOut, "install %s: %v\n", destPath, err)
		return 1
	}

	fmt.Fprintf(out, "installed %s (%s) to %s\n", spec.Name, version, destPath)
	return 0
}

func cmdVerify(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var t target
	var installDir string
	var binaryPath string
	t.register(fs)
	fs.StringVar(&installDir, "install-dir", "", "Install directory (default ~/.local/bin; ignored with --binary-path)")
	fs.StringVar(&binaryPath, "binary-path", "", "Path of the installed binary (overrides --install-dir)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(errOut, "usage: harnessctl verify --harness <name> [flags]")
		return 2
	}
	spec, err := t.resolve()
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if installDir == "" {
		installDir = defaultInstallDir()
	}

	localPath := binaryPath
	if localPath == "" {
		localPath = filepath.Join(installDir, spec.Binary)
	}
	localBytes, err := os.ReadFile(localPath)
	if err != nil {
		fmt.Fprintf(errOut, "read %s: %v\n", localPath, err)
		return 1
	}
	if len(localBytes) == 0 {
		fmt.Fprintf(errOut, "installed binary is empty: %s\n", localPath)
		return 1
	}

	wantBytes, version, err := fetchReleaseBinary(spec, &t)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	if !bytes.Equal(localBytes, wantBytes) {
		fmt.Fprintf(errOut, "binary mismatch for %s (%s)\n", spec.Name, version)
		fmt.Fprintf(errOut, "  installed: %s sha256=%s\n", localPath, sha256Hex(localBytes))
		fmt.Fprintf(errOut, "  release:   %s sha256=%s\n", assetName(spec.Binary, t.goos, t.goarch), sha256Hex(wantBytes))
		return 1
	}

	fmt.Fprintf(out, "verified %s (%s): %s matches the release\n", spec.Name, version, localPath)
	return 0
}

// fetchReleaseBinary downloads the harness asset for the target platform,
// checks it against the release's .sha256 companion unless disabled, and
// extracts the binary. The returned version is the release tag, resolved
// when the target asked for latest.
func fetchReleaseBinary(spec harnessSpec, t *target) ([]byte, string, error) {
	assetBase := assetName(spec.Binary, t.goos, t.goarch)
	rel, err := fetchRelease(releaseAPIURL(spec.Owner, spec.Repo, t.version), t.token)
	if err != nil {
		return nil, "", fmt.Errorf("fetch release: %w", err)
	}
	version := t.version
	if version == "" {
		version = rel.TagName
	}

	tarURL, ok := findAssetURL(rel.Assets, assetBase)
	if !ok {
		return nil, "", fmt.Errorf("release %s missing asset %q", version, assetBase)
	}
	shaURL, shaOK := findAssetURL(rel.Assets, assetBase+".sha256")
	if !shaOK && !t.noVerify {
		return nil, "", fmt.Errorf("release %s missing checksum asset %q (use --no-verify to skip)", version, assetBase+".sha256")
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	var wantSHA256 string
	if !t.noVerify {
		b, err := downloadBytes(client, shaURL, t.token)
		if err != nil {
			return nil, "", fmt.Errorf("download checksum: %w", err)
		}
		wantSHA256, err = parseSHA256File(string(b))
		if err != nil {
			return nil, "", fmt.Errorf("parse checksum: %w", err)
		}
	}

	tarGzBytes, err := downloadBytes(client, tarURL, t.token)
	if err != nil {
		return nil, "", fmt.Errorf("download asset: %w", err)
	}
	if !t.noVerify {
		got := sha256Hex(tarGzBytes)
		if !strings.EqualFold(got, wantSHA256) {
			return nil, "", fmt.Errorf("checksum mismatch for %s: got %s want %s", assetBase, got, wantSHA256)
		}
	}

	binBytes, err := extractFromTarGz(tarGzBytes, fmt.Sprintf("%s_%s_%s", spec.Binary, t.goos, t.goarch))
	if err != nil {
		return nil, "", fmt.Errorf("extract: %w", err)
	}
	return binBytes, version, nil
}

func assetName(binary, goos, goarch string) string {
	return fmt.Sprintf("%s_%s_%s.tar.gz", binary, goos, goarch)
}

func defaultInstallDir() string {
	h, err := os.UserHomeDir()
	if err != nil || h == "" {
		return "."
	}
	return filepath.Join(h, ".local", "bin")
}

func sortedHarnessNames() []string {
	names := make([]string, 0, len(knownHarnesses))
	for name := range knownHarnesses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sha256Hex(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

type release struct {
	TagName string         `json:"tag_name"`
	Assets  []releaseAsset `json:"assets"`
}

type releaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

func releaseAPIURL(owner, repo, version string) string {
	if version == "" {
		return fmt.Sprintf("https://api.github.com/repos/%s/%s/releases/latest", owner, repo)
	}
	return fmt.Sprintf("https://api.github.com/repos/%s/%s/releases/tags/%s", owner, repo, version)
}

func fetchRelease(url string, token string) (*release, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "tofusoup-harnessctl")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("github api %s: %s (%s)", url, resp.Status, strings.TrimSpace(string(b)))
	}
	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, err
	}
	if rel.TagName == "" {
		return nil, errors.New("missing tag_name in GitHub release")
	}
	return &rel, nil
}

func findAssetURL(assets []releaseAsset, name string) (string, bool) {
	for _, a := range assets {
		if a.Name == name {
			return a.BrowserDownloadURL, true
		}
	}
	return "", false
}

func downloadBytes(client *http.Client, url string, token string) ([]byte, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "tofusoup-harnessctl")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("download %s: %s (%s)", url, resp.Status, strings.TrimSpace(string(b)))
	}
	return io.ReadAll(resp.Body)
}

func parseSHA256File(s string) (string, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", errors.New("empty sha256 file")
	}
	sha := fields[0]
	if len(sha) != 64 {
		return "", fmt.Errorf("unexpected sha256 length: %d", len(sha))
	}
	if _, err := hex.DecodeString(sha); err != nil {
		return "", fmt.Errorf("invalid sha256 hex: %w", err)
	}
	return sha, nil
}

func extractFromTarGz(tarGz []byte, wantName string) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(tarGz))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(h.Name) != wantName {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, errors.New("extracted binary is empty")
		}
		return b, nil
	}
	return nil, fmt.Errorf("binary %q not found in archive", wantName)
}
