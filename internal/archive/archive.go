// Package archive keeps invalid records out of the warehouse but never drops
// them: each run writes one JSON Lines object per collection holding the
// records with their validation errors and raw payload.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"sheetsync/internal/config"
	"sheetsync/pkg/records"
)

// Archiver stores the invalid records of one collection within a run and
// returns where they went.
type Archiver interface {
	Archive(ctx context.Context, runID, collectionID string, invalid []records.InvalidRecord) (string, error)
}

// Nop drops nothing on disk and reports no location.
type Nop struct{}

func (Nop) Archive(context.Context, string, string, []records.InvalidRecord) (string, error) {
	return "", nil
}

// Local writes <Dir>/<Prefix><runID>/<collectionID>.jsonl.
type Local struct {
	Dir    string
	Prefix string
}

func (l Local) Archive(_ context.Context, runID, collectionID string, invalid []records.InvalidRecord) (string, error) {
	if len(invalid) == 0 {
		return "", nil
	}
	body, err := encode(invalid)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(l.Dir, filepath.FromSlash(objectKey(l.Prefix, runID, collectionID)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("archive: mkdir: %w", err)
	}
	if err := os.WriteFile(dst, body, 0o644); err != nil {
		return "", fmt.Errorf("archive: write %s: %w", dst, err)
	}
	return dst, nil
}

// encode renders records as JSON Lines.
func encode(invalid []records.InvalidRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range invalid {
		if err := enc.Encode(&invalid[i]); err != nil {
			return nil, fmt.Errorf("archive: encode record %s: %w", invalid[i].RecordID, err)
		}
	}
	return buf.Bytes(), nil
}

// objectKey is "<prefix><runID>/<collectionID>.jsonl" with path-hostile
// characters in the ids replaced.
func objectKey(prefix, runID, collectionID string) string {
	clean := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return prefix + path.Join(clean.Replace(runID), clean.Replace(collectionID)+".jsonl")
}

// FromConfig builds the archiver selected by cfg.Kind.
func FromConfig(ctx context.Context, cfg config.Archive) (Archiver, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "none":
		return Nop{}, nil
	case "local":
		dir := cfg.Dir
		if dir == "" {
			dir = "invalid"
		}
		return Local{Dir: dir, Prefix: cfg.Prefix}, nil
	case "s3", "minio":
		return NewS3(ctx, S3Config{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
		})
	}
	return nil, fmt.Errorf("archive: unsupported kind %q", cfg.Kind)
}
