package fs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srymh/template-electron/pkg/ipc"
	"github.com/srymh/template-electron/pkg/ipc/registry"
)

func memService(t *testing.T, files map[string]string, opts ...Option) (*Service, afero.Fs) {
	t.Helper()
	mem := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(mem, path, []byte(content), 0644))
	}
	return New(append([]Option{WithFs(mem)}, opts...)...), mem
}

// dispatch runs channel through a sealed table the way a transport would.
func dispatch(t *testing.T, s *Service, channel string, arg any) (json.RawMessage, error) {
	t.Helper()
	table := registry.New()
	require.NoError(t, table.Register(s.Namespace()))
	table.Seal()

	caller := table.Connect(&stubPeer{done: make(chan struct{})}, "test", "")
	args, err := ipc.EncodeArgs(arg)
	require.NoError(t, err)
	res, err := table.Dispatch(context.Background(), caller, channel, args)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	return data, nil
}

type stubPeer struct{ done chan struct{} }

func (p *stubPeer) ID() string             { return "peer" }
func (p *stubPeer) Send(string, any) error { return nil }
func (p *stubPeer) Done() <-chan struct{}  { return p.done }

func TestReadWriteText(t *testing.T) {
	s, mem := memService(t, nil)

	_, err := dispatch(t, s, "fs.writeFileAsText", map[string]string{"path": "/notes/a.txt", "data": "こんにちは"})
	require.NoError(t, err)

	got, err := afero.ReadFile(mem, "/notes/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "こんにちは", string(got))

	raw, err := dispatch(t, s, "fs.readFileAsText", map[string]string{"path": "/notes/a.txt"})
	require.NoError(t, err)
	assert.JSONEq(t, `"こんにちは"`, string(raw))
}

func TestReadWriteBinary(t *testing.T) {
	s, mem := memService(t, nil)
	payload := []byte{0, 1, 2, 0xff}

	_, err := dispatch(t, s, "fs.writeFileAsArrayBuffer", map[string]any{"path": "/bin.dat", "data": payload})
	require.NoError(t, err)
	got, err := afero.ReadFile(mem, "/bin.dat")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	raw, err := dispatch(t, s, "fs.readFileAsArrayBuffer", map[string]string{"path": "/bin.dat"})
	require.NoError(t, err)
	var encoded string
	require.NoError(t, json.Unmarshal(raw, &encoded))
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestReadMissingFile(t *testing.T) {
	s, _ := memService(t, nil)
	_, err := dispatch(t, s, "fs.readFileAsText", map[string]string{"path": "/nope.txt"})
	require.Error(t, err)

	_, err = dispatch(t, s, "fs.readFileAsText", map[string]string{})
	require.Error(t, err)
	assert.Equal(t, "path is required", err.Error())
}

func TestJoinPath(t *testing.T) {
	s, _ := memService(t, nil)
	raw, err := dispatch(t, s, "fs.joinPath", map[string][]string{"parts": {"foo", "bar", "..", "baz.txt"}})
	require.NoError(t, err)
	assert.JSONEq(t, `"foo/baz.txt"`, string(raw))
}

func TestReadDirectory(t *testing.T) {
	s, mem := memService(t, map[string]string{
		"/proj/b.go":      "",
		"/proj/a.md":      "",
		"/proj/sub/c.txt": "",
	})
	require.NoError(t, mem.MkdirAll("/proj/empty", 0755))

	entries, err := s.ReadDirectory("/proj", "")
	require.NoError(t, err)
	assert.Equal(t, []DirectoryEntry{
		{Name: "a.md", Path: "/proj/a.md", Type: TypeFile},
		{Name: "b.go", Path: "/proj/b.go", Type: TypeFile},
		{Name: "empty", Path: "/proj/empty", Type: TypeDirectory},
		{Name: "sub", Path: "/proj/sub", Type: TypeDirectory},
	}, entries)

	entries, err = s.ReadDirectory("/proj", "*.{go,md}")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	_, err = s.ReadDirectory("/proj", "[")
	assert.Error(t, err)
}

func TestFileDetails(t *testing.T) {
	s, mem := memService(t, map[string]string{"/docs/report.pdf": "12345"})
	require.NoError(t, mem.MkdirAll("/docs/archive", 0755))

	d, err := s.FileDetails("/docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", d.Name)
	assert.EqualValues(t, 5, d.Size)
	assert.True(t, d.IsFile)
	assert.False(t, d.IsDirectory)
	assert.Equal(t, ".pdf", d.Extension)

	d, err = s.FileDetails("/docs/archive")
	require.NoError(t, err)
	assert.True(t, d.IsDirectory)
	assert.Empty(t, d.Extension)

	raw, err := dispatch(t, s, "fs.getFileDetails", map[string]string{"folderPath": "/docs", "fileName": "report.pdf"})
	require.NoError(t, err)
	var got FileDetails
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "report.pdf", got.Name)
}

func TestOpenFileByDefaultApp(t *testing.T) {
	var opened []string
	s, _ := memService(t, map[string]string{"/a.txt": "x"}, WithOpener(func(ctx context.Context, path string) error {
		opened = append(opened, path)
		return nil
	}))

	_, err := dispatch(t, s, "fs.openFileByDefaultApp", map[string]string{"path": "/a.txt"})
	require.NoError(t, err)
	_, err = dispatch(t, s, "fs.openFileByDefaultApp", map[string]string{"path": "/missing.txt"})
	require.Error(t, err)

	assert.Equal(t, []string{"/a.txt"}, opened)
}

func TestHeadlessOpenDialog(t *testing.T) {
	_, mem := memService(t, map[string]string{
		"/pics/b.PNG":       "",
		"/pics/a.jpg":       "",
		"/pics/c.txt":       "",
		"/pics/.hidden.png": "",
	})
	d := NewHeadlessDialog(mem)
	ctx := context.Background()
	images := []FileFilter{{Name: "Images", Extensions: []string{"png", "jpg"}}}

	res, err := d.ShowOpenDialog(ctx, OpenDialogOptions{DefaultPath: "/pics", Filters: images, Properties: []string{"openFile", "multiSelections"}})
	require.NoError(t, err)
	assert.False(t, res.Canceled)
	assert.Equal(t, []string{"/pics/a.jpg", "/pics/b.PNG"}, res.FilePaths)

	res, err = d.ShowOpenDialog(ctx, OpenDialogOptions{DefaultPath: "/pics", Filters: images})
	require.NoError(t, err)
	assert.Equal(t, []string{"/pics/a.jpg"}, res.FilePaths)

	res, err = d.ShowOpenDialog(ctx, OpenDialogOptions{DefaultPath: "/pics/c.txt", Filters: images})
	require.NoError(t, err)
	assert.True(t, res.Canceled)

	res, err = d.ShowOpenDialog(ctx, OpenDialogOptions{DefaultPath: "/pics", Properties: []string{"openDirectory"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/pics"}, res.FilePaths)

	res, err = d.ShowOpenDialog(ctx, OpenDialogOptions{})
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.Empty(t, res.FilePaths)
}

func TestHeadlessSaveDialog(t *testing.T) {
	d := NewHeadlessDialog(afero.NewMemMapFs())
	res, err := d.ShowSaveDialog(context.Background(), SaveDialogOptions{DefaultPath: "/out.txt"})
	require.NoError(t, err)
	assert.Equal(t, &SaveDialogResult{FilePath: "/out.txt"}, res)

	res, err = d.ShowSaveDialog(context.Background(), SaveDialogOptions{})
	require.NoError(t, err)
	assert.True(t, res.Canceled)
}

func TestFilterPattern(t *testing.T) {
	assert.Equal(t, "*", filterPattern(FileFilter{Extensions: []string{"*"}}))
	assert.Equal(t, "*.txt", filterPattern(FileFilter{Extensions: []string{".TXT"}}))
	assert.Equal(t, "*.{png,jpg}", filterPattern(FileFilter{Extensions: []string{"png", "jpg"}}))
}
