// Package loader discovers plugin directories on disk, validates their
// manifests and reads their entry modules.
package loader

import (
	"context"
	"crypto/ed25519"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/goatkit/walletplug/internal/plugin"
	"github.com/goatkit/walletplug/internal/plugin/signing"
	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

// DefaultProfilePattern lays plugins out as <root>/<profile>/plugins/<name>.
const DefaultProfilePattern = "{profile}/plugins/*"

const (
	manifestJSON = "manifest.json"
	manifestYAML = "plugin.yaml"
)

//go:embed manifest.schema.json
var manifestSchema []byte

var schema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(manifestSchema))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded manifest schema: %v", err))
	}
	return s
}()

var (
	ErrNoManifest    = errors.New("no manifest.json or plugin.yaml")
	ErrEntryNotFound = errors.New("plugin entry not found")
)

// ManifestError reports schema violations in a plugin manifest.
type ManifestError struct {
	Path   string
	Issues []string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %s", e.Path, strings.Join(e.Issues, "; "))
}

// Loader handles discovery of plugins from the filesystem.
type Loader struct {
	root        string
	pattern     string
	logger      *slog.Logger
	trustedKeys []ed25519.PublicKey
	debounceFor time.Duration

	// Hot reload
	watcher     *fsnotify.Watcher
	watchCtx    context.Context
	watchCancel context.CancelFunc
	watchMu     sync.Mutex
	debounce    map[string]*time.Timer // profile -> pending notification
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithProfilePattern sets the glob, relative to root, that lists one profile's
// plugin directories. It must contain "{profile}".
func WithProfilePattern(pattern string) LoaderOption {
	return func(l *Loader) {
		l.pattern = pattern
	}
}

// WithTrustedKeys turns on signature verification of entry modules.
func WithTrustedKeys(keys ...ed25519.PublicKey) LoaderOption {
	return func(l *Loader) {
		l.trustedKeys = append(l.trustedKeys, keys...)
	}
}

// WithDebounce sets how long Watch waits for a burst of changes to settle.
func WithDebounce(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.debounceFor = d
	}
}

// NewLoader creates a plugin loader rooted at root.
func NewLoader(root string, logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		root:        filepath.Clean(root),
		pattern:     DefaultProfilePattern,
		logger:      logger,
		debounceFor: 500 * time.Millisecond,
		debounce:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Root returns the directory plugins live under.
func (l *Loader) Root() string {
	return l.root
}

func checkProfileID(profileID string) error {
	if profileID == "" || !filepath.IsLocal(profileID) || strings.ContainsAny(profileID, `/\*?[`) {
		return fmt.Errorf("invalid profile id %q", profileID)
	}
	return nil
}

// Search returns every loadable plugin for profileID. Directories that fail to
// load are skipped.
func (l *Loader) Search(profileID string) ([]plugin.RawPluginInstance, error) {
	if err := checkProfileID(profileID); err != nil {
		return nil, err
	}
	glob := filepath.Join(l.root, filepath.FromSlash(strings.ReplaceAll(l.pattern, "{profile}", profileID)))
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", glob, err)
	}

	var out []plugin.RawPluginInstance
	for _, dir := range matches {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		raw, err := l.Find(dir)
		if err != nil {
			l.logger.Debug("skipping plugin directory", "dir", dir, "profile", profileID, "error", err)
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// Find loads the plugin in dir: its manifest, and for wasm and process
// runtimes the entry module.
func (l *Loader) Find(dir string) (plugin.RawPluginInstance, error) {
	manifest, err := readManifest(dir)
	if err != nil {
		return plugin.RawPluginInstance{}, err
	}
	raw := plugin.RawPluginInstance{Manifest: manifest, Dir: dir}
	if manifest.RuntimeOrDefault() == pkgplugin.RuntimeNative {
		return raw, nil
	}

	path, err := entryPath(dir, manifest)
	if err != nil {
		return plugin.RawPluginInstance{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return plugin.RawPluginInstance{}, fmt.Errorf("read entry: %w", err)
	}
	if len(l.trustedKeys) > 0 || signing.IsSignatureRequired() {
		if err := signing.VerifyFile(path, data, l.trustedKeys); err != nil {
			return plugin.RawPluginInstance{}, fmt.Errorf("plugin %q: %w", manifest.Name, err)
		}
	}
	raw.Source = data
	raw.SourcePath = path
	return raw, nil
}

// Remove deletes a plugin directory. Only descendants of root can be removed.
func (l *Loader) Remove(dir string) error {
	root, err := filepath.Abs(l.root)
	if err != nil {
		return err
	}
	target, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return &pkgplugin.PathOutsideRootError{Path: dir, Root: l.root}
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("remove plugin dir: %w", err)
	}
	l.logger.Info("plugin directory removed", "dir", target)
	return nil
}

func readManifest(dir string) (pkgplugin.Manifest, error) {
	var manifest pkgplugin.Manifest

	path := filepath.Join(dir, manifestJSON)
	doc, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		path = filepath.Join(dir, manifestYAML)
		doc, err = readYAMLAsJSON(path)
		if errors.Is(err, fs.ErrNotExist) {
			return manifest, fmt.Errorf("%s: %w", dir, ErrNoManifest)
		}
	}
	if err != nil {
		return manifest, fmt.Errorf("read manifest: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return manifest, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			issues = append(issues, e.String())
		}
		return manifest, &ManifestError{Path: path, Issues: issues}
	}
	if err := json.Unmarshal(doc, &manifest); err != nil {
		return manifest, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return manifest, nil
}

func readYAMLAsJSON(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return json.Marshal(doc)
}

func entryPath(dir string, manifest pkgplugin.Manifest) (string, error) {
	if manifest.Main != "" {
		if !filepath.IsLocal(manifest.Main) {
			return "", fmt.Errorf("plugin %q: main %q escapes the plugin directory", manifest.Name, manifest.Main)
		}
		path := filepath.Join(dir, manifest.Main)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("plugin %q: %w: %s", manifest.Name, ErrEntryNotFound, manifest.Main)
		}
		return path, nil
	}

	var candidates []string
	switch manifest.RuntimeOrDefault() {
	case pkgplugin.RuntimeWASM:
		candidates = []string{"plugin.wasm", "dist/plugin.wasm"}
	case pkgplugin.RuntimeProcess:
		candidates = []string{"plugin", "bin/plugin"}
	default:
		return "", fmt.Errorf("plugin %q: unknown runtime %q", manifest.Name, manifest.Runtime)
	}
	for _, c := range candidates {
		path := filepath.Join(dir, filepath.FromSlash(c))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("plugin %q: %w (tried %s)", manifest.Name, ErrEntryNotFound, strings.Join(candidates, ", "))
}

// Watch reports plugin directory changes under root. onChange receives the
// profile whose plugins changed, once per burst of events.
func (l *Loader) Watch(ctx context.Context, onChange func(profileID string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	l.watchMu.Lock()
	l.watcher = watcher
	l.watchCtx, l.watchCancel = context.WithCancel(ctx)
	l.watchMu.Unlock()

	if err := l.addTree(l.root); err != nil {
		l.StopWatch()
		return fmt.Errorf("watch plugin root: %w", err)
	}

	l.logger.Info("🔄 plugin watch enabled", "path", l.root)

	go l.watchLoop(watcher, onChange)
	return nil
}

// StopWatch stops the file watcher and drops pending notifications.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.watchCancel != nil {
		l.watchCancel()
	}
	if l.watcher != nil {
		l.watcher.Close()
		l.watcher = nil
	}
	for profile, timer := range l.debounce {
		timer.Stop()
		delete(l.debounce, profile)
	}
}

func (l *Loader) addTree(dir string) error {
	l.watchMu.Lock()
	watcher := l.watcher
	l.watchMu.Unlock()
	if watcher == nil {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher, onChange func(string)) {
	for {
		select {
		case <-l.watchCtx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			l.handleFSEvent(event, onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

func (l *Loader) handleFSEvent(event fsnotify.Event, onChange func(string)) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := l.addTree(event.Name); err != nil {
				l.logger.Warn("failed to watch new directory", "dir", event.Name, "error", err)
			}
		}
	}

	profile := l.profileOf(event.Name)
	if profile == "" {
		return
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher == nil {
		return
	}
	if timer, exists := l.debounce[profile]; exists {
		timer.Stop()
	}
	l.debounce[profile] = time.AfterFunc(l.debounceFor, func() {
		l.watchMu.Lock()
		delete(l.debounce, profile)
		l.watchMu.Unlock()
		if l.watchCtx.Err() != nil {
			return
		}
		l.logger.Info("🔌 plugins changed", "profile", profile)
		onChange(profile)
	})
}

// profileOf extracts the profile id from a path under root using the
// "{profile}" segment of the pattern.
func (l *Loader) profileOf(path string) string {
	rel, err := filepath.Rel(l.root, path)
	if err != nil || !filepath.IsLocal(rel) {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, seg := range strings.Split(l.pattern, "/") {
		if !strings.Contains(seg, "{profile}") {
			continue
		}
		if i >= len(parts) {
			return ""
		}
		prefix, suffix, _ := strings.Cut(seg, "{profile}")
		part := parts[i]
		if !strings.HasPrefix(part, prefix) || !strings.HasSuffix(part, suffix) || len(part) <= len(prefix)+len(suffix) {
			return ""
		}
		return part[len(prefix) : len(part)-len(suffix)]
	}
	return ""
}
