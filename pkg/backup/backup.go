package backup

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// DefaultKeep is the number of backups retained by Prune.
const DefaultKeep = 24

var (
	ErrNotFound    = errors.New("backup not found")
	ErrInvalidName = errors.New("invalid backup name")
	ErrCorrupt     = errors.New("backup digest mismatch")
)

// backup_<unix-millis>_<digest>.json.zst, or the older uncompressed
// backup_<unix-millis>.json.
var namePattern = regexp.MustCompile(`^backup_(\d+)(?:_([0-9a-f]{8}))?\.json(\.zst)?$`)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("backup: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("backup: zstd decoder initialization failed: " + err.Error())
	}
}

// Info describes one stored backup.
type Info struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest,omitempty"`
}

// Manager stores compressed snapshots of the agenda document.
type Manager struct {
	dir  string
	keep int
	now  func() time.Time
}

// NewManager creates the backup directory if needed. keep <= 0 means
// DefaultKeep.
func NewManager(dir string, keep int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Manager{dir: dir, keep: keep, now: time.Now}, nil
}

// Dir returns the backup directory.
func (m *Manager) Dir() string { return m.dir }

// Digest returns the short blake3 digest used in backup names.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:4])
}

// Create stores data and returns the backup name.
func (m *Manager) Create(data []byte) (string, error) {
	name := fmt.Sprintf("backup_%d_%s.json.zst", m.now().UnixMilli(), Digest(data))
	compressed := encoder.EncodeAll(data, nil)

	tmp, err := os.CreateTemp(m.dir, ".backup.*")
	if err != nil {
		return "", fmt.Errorf("failed to stage backup: %w", err)
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(m.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store backup: %w", err)
	}
	return name, nil
}

// List returns the stored backups, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	backups := []Info{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := namePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		ms, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			continue
		}
		info := Info{Name: e.Name(), CreatedAt: time.UnixMilli(ms).UTC(), Digest: match[2]}
		if fi, err := e.Info(); err == nil {
			info.Size = fi.Size()
		}
		backups = append(backups, info)
	}
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].Name > backups[j].Name
		}
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Read returns the uncompressed content of a backup and checks its digest.
func (m *Manager) Read(name string) ([]byte, error) {
	match := namePattern.FindStringSubmatch(name)
	if match == nil || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	b, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	if match[3] != "" {
		b, err = decoder.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress backup: %w", err)
		}
	}
	if match[2] != "" && Digest(b) != match[2] {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, name)
	}
	return b, nil
}

// Prune deletes everything but the newest backups and returns the number
// of files removed.
func (m *Manager) Prune() (int, error) {
	backups, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := m.keep; i < len(backups); i++ {
		if err := os.Remove(filepath.Join(m.dir, backups[i].Name)); err != nil {
			log.Printf("backup: failed to remove %s: %v", backups[i].Name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Printf("backup: pruned %d old backups", removed)
	}
	return removed, nil
}
