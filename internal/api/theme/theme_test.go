package theme

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srymh/template-electron/internal/event"
	"github.com/srymh/template-electron/internal/storage"
	"github.com/srymh/template-electron/internal/transport/local"
	"github.com/srymh/template-electron/pkg/ipc"
	"github.com/srymh/template-electron/pkg/ipc/client"
	"github.com/srymh/template-electron/pkg/ipc/registry"
)

func newService(t *testing.T, dir string) *Service {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	s, err := New(context.Background(), storage.New(dir), bus, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestService_Defaults(t *testing.T) {
	s := newService(t, t.TempDir())
	assert.Equal(t, System, s.Theme())
	assert.Equal(t, "#0078d4", s.AccentColor())
}

func TestService_SetThemePersists(t *testing.T) {
	dir := t.TempDir()
	s := newService(t, dir)
	require.NoError(t, s.SetTheme(context.Background(), Dark))

	again := newService(t, dir)
	assert.Equal(t, Dark, again.Theme())
}

func TestService_SetThemeRejectsUnknown(t *testing.T) {
	s := newService(t, t.TempDir())
	err := s.SetTheme(context.Background(), "sepia")
	assert.ErrorIs(t, err, ErrInvalidTheme)
	assert.Equal(t, System, s.Theme())
}

func TestService_UpdatedFiresOnEverySet(t *testing.T) {
	s := newService(t, t.TempDir())

	var got []Theme
	off := s.OnUpdated(func(th Theme) { got = append(got, th) })

	ctx := context.Background()
	require.NoError(t, s.SetTheme(ctx, Light))
	require.NoError(t, s.SetTheme(ctx, Light))
	off()
	require.NoError(t, s.SetTheme(ctx, Dark))

	assert.Equal(t, []Theme{Light, Light}, got)
}

func TestService_AccentColorOnlyOnChange(t *testing.T) {
	s := newService(t, t.TempDir())

	var got []string
	s.OnAccentColorChanged(func(c string) { got = append(got, c) })

	ctx := context.Background()
	require.NoError(t, s.SetAccentColor(ctx, "#ff0000"))
	require.NoError(t, s.SetAccentColor(ctx, "#ff0000"))
	assert.Equal(t, []string{"#ff0000"}, got)
	assert.Equal(t, "#ff0000", s.AccentColor())
}

func TestTheme_SymbolColor(t *testing.T) {
	assert.Equal(t, "#FFFFFF", Dark.SymbolColor())
	assert.Equal(t, "#000000", Light.SymbolColor())
	assert.Equal(t, "#000000", System.SymbolColor())
}

func TestWatcher_AppliesFileChanges(t *testing.T) {
	s := newService(t, t.TempDir())
	updates := make(chan Theme, 4)
	s.OnUpdated(func(th Theme) { updates <- th })

	path := filepath.Join(t.TempDir(), "theme.json")
	_, err := s.Watch(path)
	require.NoError(t, err)

	data, _ := json.Marshal(Preference{Theme: Dark, AccentColor: "#123456"})
	require.NoError(t, os.WriteFile(path, data, 0644))

	select {
	case th := <-updates:
		assert.Equal(t, Dark, th)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not apply theme")
	}
	require.Eventually(t, func() bool {
		return s.AccentColor() == "#123456"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestNamespace_OverPipe(t *testing.T) {
	s := newService(t, t.TempDir())

	table := registry.New(registry.WithLogger(zerolog.Nop()))
	require.NoError(t, table.Register(s.Namespace()))
	table.Seal()
	pipe := local.Connect(table, local.WithLogger(zerolog.Nop()))
	t.Cleanup(func() { pipe.Close() })

	api, err := client.Build(ipc.Descriptor(s.Namespace()), pipe, client.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	updates := make(chan string, 1)
	_, err = client.On(api, "theme.on.updated", func(th string) { updates <- th })
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(table.Subscriptions(pipe.ID())) == 1
	}, time.Second, time.Millisecond)

	ctx := context.Background()
	_, err = api.Invoke(ctx, "theme.setTheme", map[string]string{"theme": "dark"})
	require.NoError(t, err)

	select {
	case th := <-updates:
		assert.Equal(t, "dark", th)
	case <-time.After(time.Second):
		t.Fatal("no update pushed")
	}

	th, err := client.Call[string](ctx, api, "theme.getTheme")
	require.NoError(t, err)
	assert.Equal(t, "dark", th)

	color, err := client.Call[string](ctx, api, "theme.getAccentColor")
	require.NoError(t, err)
	assert.Equal(t, "#0078d4", color)

	_, err = api.Invoke(ctx, "theme.setTheme", map[string]string{"theme": "neon"})
	require.Error(t, err)
}
