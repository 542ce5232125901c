// Package fs exposes file system access to callers. Every path is resolved
// against an afero.Fs so tests and sandboxes can swap the backing store.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/srymh/template-electron/pkg/ipc"
)

// EntryType is the kind of a directory entry.
type EntryType string

const (
	TypeFile      EntryType = "file"
	TypeDirectory EntryType = "directory"
)

// DirectoryEntry is one element of readDirectory.
type DirectoryEntry struct {
	Name string    `json:"name"`
	Path string    `json:"path"`
	Type EntryType `json:"type"`
}

// FileDetails describes one path.
type FileDetails struct {
	Name             string    `json:"name"`
	Size             int64     `json:"size"`
	CreationTime     time.Time `json:"creationTime"`
	ModificationTime time.Time `json:"modificationTime"`
	IsDirectory      bool      `json:"isDirectory"`
	IsFile           bool      `json:"isFile"`
	IsSymbolicLink   bool      `json:"isSymbolicLink"`
	// Extension includes the leading dot and is empty for directories.
	Extension      string    `json:"extension"`
	LastAccessTime time.Time `json:"lastAccessTime"`
}

// Opener hands a path to the desktop's default application.
type Opener func(ctx context.Context, path string) error

// Option configures a Service.
type Option func(*Service)

// WithFs replaces the OS file system.
func WithFs(fs afero.Fs) Option {
	return func(s *Service) { s.fs = fs }
}

// WithDialog replaces the headless dialog.
func WithDialog(d Dialog) Option {
	return func(s *Service) { s.dialog = d }
}

// WithOpener replaces the default application launcher.
func WithOpener(o Opener) Option {
	return func(s *Service) { s.open = o }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service implements the fs channels.
type Service struct {
	fs     afero.Fs
	dialog Dialog
	open   Opener
	log    zerolog.Logger
}

// New creates a Service on the OS file system.
func New(opts ...Option) *Service {
	s := &Service{
		fs:   afero.NewOsFs(),
		open: OpenWithDefaultApp,
		log:  log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialog == nil {
		s.dialog = NewHeadlessDialog(s.fs)
	}
	return s
}

// JoinPath joins parts into a single cleaned path.
func (s *Service) JoinPath(parts ...string) string {
	return filepath.Join(parts...)
}

// ReadFile returns the contents of path.
func (s *Service) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(s.fs, path)
}

// WriteFile replaces the contents of path, creating it if needed.
func (s *Service) WriteFile(path string, data []byte) error {
	return afero.WriteFile(s.fs, path, data, 0644)
}

// ReadDirectory lists path. A non-empty pattern keeps only entries whose
// name matches it, using doublestar syntax.
func (s *Service) ReadDirectory(path, pattern string) ([]DirectoryEntry, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}

	infos, err := afero.ReadDir(s.fs, path)
	if err != nil {
		return nil, err
	}

	entries := make([]DirectoryEntry, 0, len(infos))
	for _, info := range infos {
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, info.Name()); !ok {
				continue
			}
		}
		typ := TypeFile
		if info.IsDir() {
			typ = TypeDirectory
		}
		entries = append(entries, DirectoryEntry{
			Name: info.Name(),
			Path: filepath.Join(path, info.Name()),
			Type: typ,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// FileDetails stats path. Creation and access times fall back to the
// modification time where the file system does not report them.
func (s *Service) FileDetails(path string) (*FileDetails, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return nil, err
	}

	symlink := false
	if lst, ok := s.fs.(afero.Lstater); ok {
		if li, lstatCalled, err := lst.LstatIfPossible(path); err == nil && lstatCalled {
			symlink = li.Mode()&os.ModeSymlink != 0
		}
	}

	created, accessed := fileTimes(info)
	d := &FileDetails{
		Name:             filepath.Base(path),
		Size:             info.Size(),
		CreationTime:     created,
		ModificationTime: info.ModTime(),
		IsDirectory:      info.IsDir(),
		IsFile:           info.Mode().IsRegular(),
		IsSymbolicLink:   symlink,
		LastAccessTime:   accessed,
	}
	if d.IsFile {
		d.Extension = filepath.Ext(path)
	}
	return d, nil
}

// Open hands path to the default application. The path must exist.
func (s *Service) Open(ctx context.Context, path string) error {
	if _, err := s.fs.Stat(path); err != nil {
		return err
	}
	return s.open(ctx, path)
}

type pathRequest struct {
	Path string `json:"path"`
}

func (r pathRequest) validate() error {
	if r.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

// detailsRequest accepts either path or folderPath plus fileName.
type detailsRequest struct {
	Path       string `json:"path"`
	FolderPath string `json:"folderPath"`
	FileName   string `json:"fileName"`
}

func (r detailsRequest) resolve() (string, error) {
	if r.Path != "" {
		return r.Path, nil
	}
	if r.FileName == "" {
		return "", errors.New("path is required")
	}
	return filepath.Join(r.FolderPath, r.FileName), nil
}

// Namespace returns the fs channels. Binary payloads travel as base64
// strings.
func (s *Service) Namespace() ipc.Namespace {
	return ipc.Namespace{
		"fs": ipc.Namespace{
			"joinPath": ipc.Invoke(ipc.Handle(func(ctx context.Context, _ *ipc.Caller, req struct {
				Parts []string `json:"parts"`
			}) (string, error) {
				return s.JoinPath(req.Parts...), nil
			})),
			"readFileAsText": ipc.Invoke(ipc.Handle(func(ctx context.Context, _ *ipc.Caller, req pathRequest) (string, error) {
				if err := req.validate(); err != nil {
					return "", err
				}
				data, err := s.ReadFile(req.Path)
				return string(data), err
			})),
			"readFileAsArrayBuffer": ipc.Invoke(ipc.Handle(func(ctx context.Context, _ *ipc.Caller, req pathRequest) ([]byte, error) {
				if err := req.validate(); err != nil {
					return nil, err
				}
				return s.ReadFile(req.Path)
			})),
			"writeFileAsText": ipc.Invoke(ipc.HandleVoid(func(ctx context.Context, _ *ipc.Caller, req struct {
				Path string `json:"path"`
				Data string `json:"data"`
			}) error {
				if req.Path == "" {
					return errors.New("path is required")
				}
				return s.WriteFile(req.Path, []byte(req.Data))
			})),
			"writeFileAsArrayBuffer": ipc.Invoke(ipc.HandleVoid(func(ctx context.Context, _ *ipc.Caller, req struct {
				Path string `json:"path"`
				Data []byte `json:"data"`
			}) error {
				if req.Path == "" {
					return errors.New("path is required")
				}
				return s.WriteFile(req.Path, req.Data)
			})),
			"showOpenDialog": ipc.Invoke(ipc.Handle(func(ctx context.Context, _ *ipc.Caller, opts OpenDialogOptions) (*OpenDialogResult, error) {
				return s.dialog.ShowOpenDialog(ctx, opts)
			})),
			"showSaveDialog": ipc.Invoke(ipc.Handle(func(ctx context.Context, _ *ipc.Caller, opts SaveDialogOptions) (*SaveDialogResult, error) {
				return s.dialog.ShowSaveDialog(ctx, opts)
			})),
			"readDirectory": ipc.Invoke(ipc.Handle(func(ctx context.Context, _ *ipc.Caller, req struct {
				Path    string `json:"path"`
				Pattern string `json:"pattern,omitempty"`
			}) ([]DirectoryEntry, error) {
				if req.Path == "" {
					return nil, errors.New("path is required")
				}
				return s.ReadDirectory(req.Path, req.Pattern)
			})),
			"openFileByDefaultApp": ipc.Invoke(ipc.HandleVoid(func(ctx context.Context, _ *ipc.Caller, req pathRequest) error {
				if err := req.validate(); err != nil {
					return err
				}
				return s.Open(ctx, req.Path)
			})),
			"getFileDetails": ipc.Invoke(ipc.Handle(func(ctx context.Context, _ *ipc.Caller, req detailsRequest) (*FileDetails, error) {
				path, err := req.resolve()
				if err != nil {
					return nil, err
				}
				return s.FileDetails(path)
			})),
		},
	}
}
