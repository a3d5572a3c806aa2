// Package migrate moves records between stores as JSONL snapshots.
//
// A snapshot holds one RecordLine per line: the record with all its fields
// and, for projects, the encoded payload. Snapshots are written by Export and
// read back by Import, which saves the records into another store under
// their original ids.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/operation"
	"github.com/iraspa/projectsync/internal/query"
	"github.com/iraspa/projectsync/internal/retry"
)

// ProjectExt is the extension of project files written by WriteProjectFile.
const ProjectExt = ".psp"

// saveBatch bounds the records sent in one SaveRecords call.
const saveBatch = 50

// RecordLine is one line of a snapshot.
type RecordLine struct {
	ID       cloud.RecordID `json:"id"`
	Type     string         `json:"type"`
	Creator  cloud.RecordID `json:"creator,omitempty"`
	Modified time.Time      `json:"modified"`
	Fields   cloud.Fields   `json:"fields"`
	Asset    []byte         `json:"asset,omitempty"`
}

// Record returns the record the line describes.
func (l *RecordLine) Record() *cloud.Record {
	return &cloud.Record{
		ID:       l.ID,
		Type:     l.Type,
		Fields:   l.Fields.Clone(),
		Creator:  l.Creator,
		Modified: l.Modified,
	}
}

// ExportOptions contains configuration for Export
type ExportOptions struct {
	// RecordTypes are exported in order. Parents should come before their
	// children.
	RecordTypes []string
	PageSize    int
	Policy      retry.Policy

	// ToFiles also writes every project payload to its own file below
	// this directory.
	ToFiles string
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Records      int
	Assets       int
	FilesWritten int
	Errors       []string
}

// Export writes every record of the requested types to w, one JSON object
// per line. Payloads that cannot be downloaded are reported in the result;
// their record is still exported.
func Export(ctx context.Context, store cloud.Store, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	result := &ExportResult{}
	enc := json.NewEncoder(w)
	queue := operation.NewQueue(operation.DefaultQueueConfig())

	for _, typ := range opts.RecordTypes {
		var ids []cloud.RecordID
		p := query.New("export "+typ, query.Config{
			Store:    store,
			Query:    cloud.Query{RecordType: typ, DesiredKeys: []string{}},
			PageSize: opts.PageSize,
			Policy:   opts.Policy,
			OnRecord: func(r *cloud.Record) { ids = append(ids, r.ID) },
		})
		queue.Add(p)
		if err := p.Wait(ctx); err != nil {
			return result, fmt.Errorf("failed to list %s records: %w", typ, err)
		}

		// Listings carry neither fields nor asset refs.
		for start := 0; start < len(ids); start += saveBatch {
			batch := ids[start:min(start+saveBatch, len(ids))]
			found, failures, err := store.FetchRecords(ctx, batch, nil, nil)
			if err != nil {
				return result, fmt.Errorf("failed to fetch %s records: %w", typ, err)
			}
			for _, id := range batch {
				if ferr, ok := failures[id]; ok {
					result.Errors = append(result.Errors, fmt.Sprintf("failed to fetch %s: %v", id, ferr))
					continue
				}
				r, ok := found[id]
				if !ok {
					continue
				}
				if err := exportRecord(ctx, store, enc, r, opts, result); err != nil {
					return result, err
				}
			}
		}
	}
	return result, nil
}

func exportRecord(ctx context.Context, store cloud.Store, enc *json.Encoder, r *cloud.Record, opts ExportOptions, result *ExportResult) error {
	line := RecordLine{ID: r.ID, Type: r.Type, Creator: r.Creator, Modified: r.Modified, Fields: r.Fields}
	if r.Asset != nil {
		data, err := store.FetchAsset(ctx, *r.Asset, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result.Errors = append(result.Errors, fmt.Sprintf("failed to download %s: %v", r.ID, err))
		} else {
			line.Asset = data
			result.Assets++
		}
	}
	if err := enc.Encode(&line); err != nil {
		return fmt.Errorf("failed to write %s: %w", r.ID, err)
	}
	result.Records++

	if opts.ToFiles != "" && line.Asset != nil {
		if err := WriteProjectFile(&line, opts.ToFiles); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to write file for %s: %v", r.ID, err))
			return nil
		}
		result.FilesWritten++
	}
	return nil
}

// FromJSONL reads a snapshot file.
func FromJSONL(path string) ([]*RecordLine, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return ReadJSONL(file)
}

// ReadJSONL reads snapshot lines from r.
func ReadJSONL(r io.Reader) ([]*RecordLine, error) {
	var lines []*RecordLine
	decoder := json.NewDecoder(bufio.NewReader(r))
	for lineNum := 1; ; lineNum++ {
		var line RecordLine
		if err := decoder.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if line.ID == "" || line.Type == "" {
			return nil, fmt.Errorf("line %d: record without id or type", lineNum)
		}
		lines = append(lines, &line)
	}
	return lines, nil
}

// ProjectFileName returns the file name WriteProjectFile uses for id.
func ProjectFileName(id cloud.RecordID) string {
	return string(id) + ProjectExt
}

// WriteProjectFile writes the payload of line to dir, replacing any
// previous version atomically. The payload is checked to decode first.
func WriteProjectFile(line *RecordLine, dir string) error {
	if _, _, err := archive.DefaultChain().Decode(line.Asset); err != nil {
		return err
	}
	path := filepath.Join(dir, ProjectFileName(line.ID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, line.Asset, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ImportOptions contains configuration for Import
type ImportOptions struct {
	FromJSONL string // Input snapshot path
	DryRun    bool   // Read and check without saving
	Backup    bool   // Copy the snapshot before importing
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Records       int
	Saved         int
	BackupCreated string
	Errors        []string
}

// Import saves the records of a snapshot into store. Records keep their
// ids, so importing the same snapshot twice replaces rather than
// duplicates. The creator is whoever the store says is signed in.
func Import(ctx context.Context, store cloud.Store, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	lines, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result.Records = len(lines)
	if opts.DryRun {
		return result, nil
	}

	for start := 0; start < len(lines); start += saveBatch {
		batch := lines[start:min(start+saveBatch, len(lines))]
		records := make([]*cloud.Record, 0, len(batch))
		assets := make(map[cloud.RecordID][]byte)
		for _, l := range batch {
			records = append(records, l.Record())
			if l.Asset != nil {
				assets[l.ID] = l.Asset
			}
		}
		saved, failures, err := store.SaveRecords(ctx, records, assets)
		if err != nil {
			return result, fmt.Errorf("failed to save records: %w", err)
		}
		result.Saved += len(saved)
		for id, ferr := range failures {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to save %s: %v", id, ferr))
		}
	}
	return result, nil
}

// CleanupFiles removes the project files Export wrote to dir.
func CleanupFiles(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+ProjectExt))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return fmt.Errorf("failed to remove %s: %w", m, err)
		}
	}
	return nil
}
