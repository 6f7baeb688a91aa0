package deliverylog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/pushgate/internal/notifications"
)

func openTest(t *testing.T, keepDays int) (*Writer, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "logs")
	w, err := Open(dir, "pushgate", "3", keepDays, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, dir
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func TestWrite_Columns(t *testing.T) {
	w, dir := openTest(t, 7)

	w.Write(&notifications.Notification{
		Status:     notifications.StatusExpired,
		LoginID:    42,
		Content:    "Hello, world\nsecond line",
		MessageID:  9,
		SendingID:  "abc",
		Screen:     "shop",
		CreatedMs:  1000,
		TTLMs:      2000,
		Platform:   notifications.PlatformIPhone,
		ReceiverID: "tok",
	})

	lines := readLines(t, filepath.Join(dir, FileName))
	require.Len(t, lines, 1)
	assert.Equal(t, `3,42,Hello\, world second line,9,0,abc,pushgate,3,shop,1000,2000,2,tok`, lines[0])
}

func TestWrite_EscapesScreenAndReceiver(t *testing.T) {
	w, dir := openTest(t, 7)

	w.Write(&notifications.Notification{
		LoginID:    1,
		Content:    "c",
		Screen:     "shop,sale\nnow",
		Platform:   notifications.PlatformIPhone,
		ReceiverID: "tok,en\r\n",
	})

	lines := readLines(t, filepath.Join(dir, FileName))
	require.Len(t, lines, 1)
	assert.Equal(t, `0,1,c,0,0,,pushgate,3,shop\,sale now,0,0,2,tok\,en `, lines[0])
}

func TestWrite_Concurrent(t *testing.T) {
	w, dir := openTest(t, 7)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Write(&notifications.Notification{Content: "x"}, &notifications.Notification{Content: "y"})
		}()
	}
	wg.Wait()

	assert.Len(t, readLines(t, filepath.Join(dir, FileName)), 40)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, `a\,b c d`, Sanitize("a,b\r\nc\nd"))
}

func TestRotate(t *testing.T) {
	w, dir := openTest(t, 7)
	day := time.Date(2026, 3, 14, 23, 59, 0, 0, time.Local)
	w.openedAt = day
	w.now = func() time.Time { return day.Add(time.Minute) }

	w.Write(&notifications.Notification{Content: "before"})
	require.NoError(t, w.Rotate())
	w.Write(&notifications.Notification{Content: "after"})

	rotated := readLines(t, filepath.Join(dir, FileName+".2026-03-14"))
	require.Len(t, rotated, 1)
	assert.Contains(t, rotated[0], "before")

	live := readLines(t, filepath.Join(dir, FileName))
	require.Len(t, live, 1)
	assert.Contains(t, live[0], "after")

	// a second rotation on the same day does not overwrite
	w.openedAt = day
	require.NoError(t, w.Rotate())
	names, err := w.Rotated()
	require.NoError(t, err)
	assert.Equal(t, []string{FileName + ".2026-03-14", FileName + ".2026-03-14.1"}, names)
}

func TestPrune(t *testing.T) {
	w, dir := openTest(t, 7)
	w.now = func() time.Time { return time.Date(2026, 3, 20, 12, 0, 0, 0, time.Local) }

	for _, name := range []string{
		FileName + ".2026-03-01",
		FileName + ".2026-03-12",
		FileName + ".2026-03-13",
		FileName + ".2026-03-19",
		"unrelated.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0o644))
	}

	removed, err := w.Prune()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	names, err := w.Rotated()
	require.NoError(t, err)
	assert.Equal(t, []string{FileName + ".2026-03-13", FileName + ".2026-03-19"}, names)
	assert.FileExists(t, filepath.Join(dir, "unrelated.txt"))
}
