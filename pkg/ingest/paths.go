package ingest

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentlens/agentlens/pkg/models"
)

func nowEpochSeconds() int64 {
	return time.Now().Unix()
}

// FileEvent is one storage file handed to the incremental loader, from the
// watcher, the reconciler, or the processing-queue drain.
type FileEvent struct {
	Path  string  // absolute
	Type  string  // session | message | part
	MTime float64 // epoch seconds
}

// fileTypeForPath infers the ledger file type from the first path segment
// under the storage root. Returns false for paths outside the three type
// directories.
func fileTypeForPath(storagePath, path string) (string, bool) {
	rel, err := filepath.Rel(storagePath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	segment := rel
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		segment = rel[:i]
	}
	switch segment {
	case models.FileTypeSession, models.FileTypeMessage, models.FileTypePart:
		return segment, true
	default:
		return "", false
	}
}

// sanitizeSQLPath escapes a filesystem path for interpolation into a SQL
// string literal. The native JSON reader takes its glob as a literal, so
// the storage path cannot be bound as a parameter.
func sanitizeSQLPath(p string) string {
	p = strings.ReplaceAll(p, "'", "''")
	// Forward slashes keep glob patterns portable.
	return filepath.ToSlash(p)
}

// enumerateFilesBefore walks the three type directories (depth ≤ 2 below
// each) and returns a ledger row for every .json file with mtime < t0
// (epoch seconds). Unreadable entries are skipped.
func enumerateFilesBefore(storagePath string, t0 int64) []models.FileProcessingRow {
	var rows []models.FileProcessingRow
	for _, fileType := range []string{models.FileTypeSession, models.FileTypeMessage, models.FileTypePart} {
		root := filepath.Join(storagePath, fileType)
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				// Layout is <storage>/<type>/<dir>/<file>.json; anything
				// deeper is not ours.
				if depthBelow(root, path) > 1 {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".json") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			mtime := float64(info.ModTime().UnixMilli()) / 1000.0
			if mtime >= float64(t0) {
				return nil
			}
			rows = append(rows, models.FileProcessingRow{
				FilePath:     path,
				FileType:     fileType,
				LastModified: mtime,
				Status:       models.FileStatusProcessed,
			})
			return nil
		})
	}
	return rows
}

func depthBelow(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
