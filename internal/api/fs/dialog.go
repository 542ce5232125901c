package fs

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// FileFilter restricts a dialog to some extensions. "*" matches any file.
type FileFilter struct {
	Name       string   `json:"name"`
	Extensions []string `json:"extensions"`
}

// OpenDialogOptions mirrors the desktop open dialog options. Properties
// may contain openFile, openDirectory, multiSelections and showHiddenFiles.
type OpenDialogOptions struct {
	Title       string       `json:"title,omitempty"`
	DefaultPath string       `json:"defaultPath,omitempty"`
	ButtonLabel string       `json:"buttonLabel,omitempty"`
	Filters     []FileFilter `json:"filters,omitempty"`
	Properties  []string     `json:"properties,omitempty"`
}

func (o OpenDialogOptions) has(prop string) bool {
	return slices.Contains(o.Properties, prop)
}

type OpenDialogResult struct {
	Canceled  bool     `json:"canceled"`
	FilePaths []string `json:"filePaths"`
}

type SaveDialogOptions struct {
	Title       string       `json:"title,omitempty"`
	DefaultPath string       `json:"defaultPath,omitempty"`
	ButtonLabel string       `json:"buttonLabel,omitempty"`
	Filters     []FileFilter `json:"filters,omitempty"`
}

type SaveDialogResult struct {
	Canceled bool   `json:"canceled"`
	FilePath string `json:"filePath,omitempty"`
}

// Dialog asks the user for paths.
type Dialog interface {
	ShowOpenDialog(ctx context.Context, opts OpenDialogOptions) (*OpenDialogResult, error)
	ShowSaveDialog(ctx context.Context, opts SaveDialogOptions) (*SaveDialogResult, error)
}

// HeadlessDialog answers dialogs without a user, from DefaultPath alone.
//
// Open: a file DefaultPath is returned if it passes the filters; a directory
// DefaultPath returns itself for openDirectory, otherwise its matching files
// (all of them with multiSelections, else the first by name). Save: the
// DefaultPath is returned when set. Anything else is reported as canceled.
type HeadlessDialog struct {
	fs afero.Fs
}

// NewHeadlessDialog creates a HeadlessDialog reading fs.
func NewHeadlessDialog(fs afero.Fs) *HeadlessDialog {
	return &HeadlessDialog{fs: fs}
}

func (d *HeadlessDialog) ShowOpenDialog(ctx context.Context, opts OpenDialogOptions) (*OpenDialogResult, error) {
	canceled := &OpenDialogResult{Canceled: true, FilePaths: []string{}}
	if opts.DefaultPath == "" {
		return canceled, nil
	}

	info, err := d.fs.Stat(opts.DefaultPath)
	if os.IsNotExist(err) {
		return canceled, nil
	}
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		if opts.has("openDirectory") && !opts.has("openFile") {
			return canceled, nil
		}
		if !matchFilters(opts.Filters, info.Name()) {
			return canceled, nil
		}
		return &OpenDialogResult{FilePaths: []string{opts.DefaultPath}}, nil
	}

	if opts.has("openDirectory") {
		return &OpenDialogResult{FilePaths: []string{opts.DefaultPath}}, nil
	}

	infos, err := afero.ReadDir(d.fs, opts.DefaultPath)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		if strings.HasPrefix(fi.Name(), ".") && !opts.has("showHiddenFiles") {
			continue
		}
		if matchFilters(opts.Filters, fi.Name()) {
			paths = append(paths, filepath.Join(opts.DefaultPath, fi.Name()))
		}
	}
	if len(paths) == 0 {
		return canceled, nil
	}
	sort.Strings(paths)
	if !opts.has("multiSelections") {
		paths = paths[:1]
	}
	return &OpenDialogResult{FilePaths: paths}, nil
}

func (d *HeadlessDialog) ShowSaveDialog(ctx context.Context, opts SaveDialogOptions) (*SaveDialogResult, error) {
	if opts.DefaultPath == "" {
		return &SaveDialogResult{Canceled: true}, nil
	}
	return &SaveDialogResult{FilePath: opts.DefaultPath}, nil
}

// matchFilters reports whether name passes any filter. No filters accept
// everything.
func matchFilters(filters []FileFilter, name string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if ok, _ := doublestar.Match(filterPattern(f), strings.ToLower(name)); ok {
			return true
		}
	}
	return false
}

// filterPattern turns {Extensions: ["png", "jpg"]} into "*.{png,jpg}".
func filterPattern(f FileFilter) string {
	exts := make([]string, 0, len(f.Extensions))
	for _, ext := range f.Extensions {
		if ext == "*" {
			return "*"
		}
		exts = append(exts, strings.ToLower(strings.TrimPrefix(ext, ".")))
	}
	switch len(exts) {
	case 0:
		return "*"
	case 1:
		return "*." + exts[0]
	default:
		return "*.{" + strings.Join(exts, ",") + "}"
	}
}
