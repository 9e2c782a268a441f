// Package pypi installs pure-Python wheels from PyPI into a directory the
// interpreter mounts as /packages.
package pypi

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultIndexURL = "https://pypi.org/pypi"

var (
	ErrNotFound  = errors.New("package not found on PyPI")
	ErrNoWheel   = errors.New("no compatible wheel found (pure Python wheel required)")
	ErrBlocked   = errors.New("package not supported in WASM")
	ErrExtension = errors.New("package contains C extensions")
)

// Packages that won't work in WASM (C extensions, sockets).
var blockedPackages = map[string]string{
	"numpy":         "requires C extensions",
	"pandas":        "requires C extensions (numpy)",
	"scipy":         "requires C extensions",
	"tensorflow":    "requires C extensions",
	"torch":         "requires C extensions",
	"scikit-learn":  "requires C extensions",
	"matplotlib":    "requires C extensions",
	"pillow":        "requires C extensions",
	"opencv-python": "requires C extensions",
	"psycopg2":      "requires C extensions",
	"cryptography":  "requires C extensions",
	"bcrypt":        "requires C extensions",
	"lxml":          "requires C extensions",
	"grpcio":        "requires C extensions",
	"requests":      "uses sockets",
	"httpx":         "uses sockets",
	"urllib3":       "uses sockets",
	"aiohttp":       "uses async sockets",
	"flask":         "requires sockets",
	"django":        "requires sockets",
	"fastapi":       "requires sockets",
}

// Installer downloads wheels into Dir.
type Installer struct {
	Dir      string
	IndexURL string
	Client   *http.Client
	Logger   *slog.Logger
}

// NewInstaller returns an Installer for dir using the public index.
func NewInstaller(dir string, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Installer{
		Dir:      dir,
		IndexURL: DefaultIndexURL,
		Client:   &http.Client{Timeout: 2 * time.Minute},
		Logger:   logger,
	}
}

type releaseURL struct {
	PackageType string `json:"packagetype"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
}

type release struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	URLs []releaseURL `json:"urls"`
}

// ParseSpec splits "name==1.0" into its name and exact version. Other
// specifier operators are dropped and resolve to the latest release.
func ParseSpec(spec string) (name, version string) {
	spec = strings.TrimSpace(spec)
	if idx := strings.Index(spec, "=="); idx != -1 {
		return strings.TrimSpace(spec[:idx]), strings.TrimSpace(spec[idx+2:])
	}
	for _, op := range []string{">=", "<=", "~=", "!=", ">", "<"} {
		if idx := strings.Index(spec, op); idx != -1 {
			return strings.TrimSpace(spec[:idx]), ""
		}
	}
	if idx := strings.Index(spec, "["); idx != -1 {
		return spec[:idx], ""
	}
	return spec, ""
}

// Blocked reports why name cannot run in WASM, if it cannot.
func Blocked(name string) (string, bool) {
	reason, ok := blockedPackages[strings.ToLower(name)]
	return reason, ok
}

// Install resolves spec on the index, downloads its pure-Python wheel and
// extracts it into Dir.
func (in *Installer) Install(ctx context.Context, spec string) error {
	name, version := ParseSpec(spec)
	if name == "" {
		return fmt.Errorf("package name required")
	}
	if reason, blocked := Blocked(name); blocked {
		return fmt.Errorf("%s: %w (%s)", name, ErrBlocked, reason)
	}

	if err := os.MkdirAll(in.Dir, 0o755); err != nil {
		return fmt.Errorf("create package dir: %w", err)
	}

	rel, err := in.fetchRelease(ctx, name, version)
	if err != nil {
		return err
	}

	wheelURL := findWheel(rel.URLs)
	if wheelURL == "" {
		return ErrNoWheel
	}

	in.Logger.Info("downloading wheel",
		slog.String("package", rel.Info.Name),
		slog.String("version", rel.Info.Version),
	)

	tmp, err := os.CreateTemp("", "pyedit-*.whl")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := in.Download(ctx, wheelURL, tmpPath); err != nil {
		return fmt.Errorf("download wheel: %w", err)
	}

	if err := extractWheel(tmpPath, in.Dir); err != nil {
		return fmt.Errorf("extract wheel: %w", err)
	}
	return nil
}

func (in *Installer) fetchRelease(ctx context.Context, name, version string) (*release, error) {
	url := fmt.Sprintf("%s/%s/json", strings.TrimRight(in.IndexURL, "/"), name)
	if version != "" {
		url = fmt.Sprintf("%s/%s/%s/json", strings.TrimRight(in.IndexURL, "/"), name, version)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := in.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch package info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index returned status %d", resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("parse index response: %w", err)
	}
	return &rel, nil
}

// Download copies url to dest, replacing it.
func (in *Installer) Download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := in.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (in *Installer) client() *http.Client {
	if in.Client != nil {
		return in.Client
	}
	return http.DefaultClient
}

// List returns the top-level packages installed in Dir.
func (in *Installer) List() ([]string, error) {
	entries, err := os.ReadDir(in.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "__") || strings.HasSuffix(name, ".dist-info") {
			continue
		}
		if entry.IsDir() || strings.HasSuffix(name, ".py") {
			names = append(names, strings.TrimSuffix(name, ".py"))
		}
	}
	return names, nil
}

// Remove deletes an installed package and its metadata.
func (in *Installer) Remove(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid package name %q", name)
	}

	for _, p := range []string{filepath.Join(in.Dir, name), filepath.Join(in.Dir, name+".py")} {
		if err := os.RemoveAll(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}

	entries, _ := os.ReadDir(in.Dir)
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), name+"-") && strings.HasSuffix(entry.Name(), ".dist-info") {
			os.RemoveAll(filepath.Join(in.Dir, entry.Name()))
		}
	}
	return nil
}

func findWheel(urls []releaseURL) string {
	for _, u := range urls {
		if u.PackageType != "bdist_wheel" {
			continue
		}
		filename := strings.ToLower(u.Filename)
		if strings.Contains(filename, "-py3-none-any") || strings.Contains(filename, "-py2.py3-none-any") {
			return u.URL
		}
	}
	return ""
}

func extractWheel(wheelPath, destDir string) error {
	r, err := zip.OpenReader(wheelPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		name := strings.ToLower(f.Name)
		if strings.HasSuffix(name, ".so") || strings.HasSuffix(name, ".pyd") || strings.HasSuffix(name, ".dylib") {
			return fmt.Errorf("%w (%s)", ErrExtension, filepath.Base(f.Name))
		}
	}

	root, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		if strings.Contains(f.Name, ".dist-info/") {
			continue
		}

		destPath := filepath.Join(root, f.Name)
		if !strings.HasPrefix(destPath, root+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in wheel: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, destPath); err != nil {
			return err
		}
	}

	return nil
}

func extractFile(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
