// Package deliverylog appends one line per notification outcome to
// notifications.csv. The file is rotated daily to notifications.csv.YYYY-MM-DD
// and rotated files older than the retention window are removed.
package deliverylog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/albapepper/pushgate/internal/notifications"
)

const (
	FileName   = "notifications.csv"
	dateLayout = "2006-01-02"
)

// Columns is the field order of every line.
var Columns = []string{
	"status", "login_id", "content", "message_id", "campaign_id", "sending_id", "game", "world_id",
	"screen", "time", "time_to_live_ts", "platform", "receiver_id",
}

// Writer is safe for concurrent use by every sender pool.
type Writer struct {
	mu       sync.Mutex
	dir      string
	game     string
	worldID  string
	keepDays int
	logger   *slog.Logger
	now      func() time.Time

	file     *os.File
	openedAt time.Time
}

// Open creates dir when needed and opens the live log file for appending.
func Open(dir, game, worldID string, keepDays int, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create delivery log dir: %w", err)
	}
	w := &Writer{
		dir:      dir,
		game:     game,
		worldID:  worldID,
		keepDays: keepDays,
		logger:   logger,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) path() string { return filepath.Join(w.dir, FileName) }

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open delivery log: %w", err)
	}
	w.file = f
	w.openedAt = w.now()
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		w.openedAt = info.ModTime()
	}
	return nil
}

// Write appends the outcome of each notification. A failing line is logged
// and does not stop the rest.
func (w *Writer) Write(ns ...*notifications.Notification) {
	if len(ns) == 0 {
		return
	}
	var b strings.Builder
	for _, n := range ns {
		w.format(&b, n)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		w.logger.Error("Delivery log is closed, dropping lines", "lines", len(ns))
		return
	}
	if _, err := w.file.WriteString(b.String()); err != nil {
		w.logger.Error("Error while writing delivery log", "lines", len(ns), "error", err)
	}
}

func (w *Writer) format(b *strings.Builder, n *notifications.Notification) {
	fields := []string{
		strconv.Itoa(int(n.Status)),
		strconv.FormatInt(n.LoginID, 10),
		Sanitize(n.Content),
		strconv.FormatInt(n.MessageID, 10),
		strconv.FormatInt(n.CampaignID, 10),
		n.SendingID,
		w.game,
		w.worldID,
		Sanitize(n.Screen),
		strconv.FormatInt(n.CreatedMs, 10),
		strconv.FormatInt(n.TTLMs, 10),
		strconv.Itoa(n.Platform),
		Sanitize(n.ReceiverID),
	}
	b.WriteString(strings.Join(fields, ","))
	b.WriteByte('\n')
}

var sanitizer = strings.NewReplacer(",", `\,`, "\r\n", " ", "\n", " ", "\r", " ")

// Sanitize escapes the field delimiter and flattens line breaks.
func Sanitize(s string) string { return sanitizer.Replace(s) }

// Rotate renames the live file after the day it was opened and starts a new
// one. It is meant to run at midnight.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Close(); err != nil {
		w.logger.Warn("Failed to close delivery log before rotation", "error", err)
	}
	w.file = nil

	target := w.path() + "." + w.openedAt.Format(dateLayout)
	for i := 1; fileExists(target); i++ {
		target = fmt.Sprintf("%s.%s.%d", w.path(), w.openedAt.Format(dateLayout), i)
	}
	if err := os.Rename(w.path(), target); err != nil && !os.IsNotExist(err) {
		// keep appending to the current file rather than losing lines
		_ = w.open()
		return fmt.Errorf("rotate delivery log: %w", err)
	}
	if err := w.open(); err != nil {
		return err
	}
	w.logger.Info("Delivery log rotated", "file", filepath.Base(target))
	return nil
}

// Prune removes rotated files dated more than keepDays days ago.
func (w *Writer) Prune() (int, error) {
	if w.keepDays <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("list delivery logs: %w", err)
	}
	today := truncateDay(w.now())
	cutoff := today.AddDate(0, 0, -w.keepDays)

	removed := 0
	for _, e := range entries {
		day, ok := rotatedDay(e.Name())
		if !ok || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, e.Name())); err != nil {
			w.logger.Warn("Failed to remove old delivery log", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Rotated lists rotated file names, oldest first.
func (w *Writer) Rotated() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if _, ok := rotatedDay(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func rotatedDay(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, FileName+".")
	if !ok || len(rest) < len(dateLayout) {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(dateLayout, rest[:len(dateLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
