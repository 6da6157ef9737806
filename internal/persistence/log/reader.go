package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"voxelcrew.ai/internal/bus"
)

// ReadAuditFile decodes every record of one audit file, in write order. A
// file appended to across restarts holds several zstd frames; they are read
// back to back.
func ReadAuditFile(path string) ([]bus.AuditRecord, error) {
	var out []bus.AuditRecord
	err := ScanAuditFile(path, func(rec bus.AuditRecord) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ScanAuditFile streams records to fn and stops at the first error fn returns.
// A segment still being written ends in an unterminated frame; everything
// flushed before it is returned and the truncation is not an error.
func ScanAuditFile(path string, fn func(bus.AuditRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec bus.AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}

// AuditFiles lists the audit files in dir, oldest first.
func AuditFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
