package drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/mklimuk/agenda-pilot/pkg/db"
	"github.com/mklimuk/agenda-pilot/pkg/sync"
)

// Remote keeps the agenda document in a Google Drive folder. The Drive file
// ID is cached in the ledger so a sync run does not list the folder.
type Remote struct {
	name    string
	service DriveAPI
	repo    *db.Repository
}

// NewRemote creates a sync remote. repo may be nil, in which case the
// folder is listed on every access.
func NewRemote(name string, service DriveAPI, repo *db.Repository) *Remote {
	return &Remote{name: name, service: service, repo: repo}
}

func (r *Remote) Name() string { return r.name }

// Read downloads the document, or returns nil when the folder has none.
func (r *Remote) Read(ctx context.Context) (*sync.Document, error) {
	id, cached, err := r.fileID(ctx)
	if err != nil || id == "" {
		return nil, err
	}

	b, err := r.download(ctx, id)
	if err != nil && cached {
		// The cached file may have been deleted on Drive.
		log.Printf("drive: cached file for %s unusable, listing folder: %v", r.name, err)
		r.forget()
		id, _, err = r.lookup(ctx)
		if err != nil || id == "" {
			return nil, err
		}
		b, err = r.download(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return sync.ParseDocument(b)
}

// Write uploads the document, replacing the existing Drive file if any.
func (r *Remote) Write(ctx context.Context, doc *sync.Document) error {
	b, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	id, _, err := r.fileID(ctx)
	if err != nil {
		return err
	}
	newID, err := r.service.UploadFile(ctx, sync.DocumentName, bytes.NewReader(b), id)
	if err != nil {
		return fmt.Errorf("failed to upload document: %w", err)
	}
	r.remember(newID)
	return nil
}

func (r *Remote) fileID(ctx context.Context) (string, bool, error) {
	if r.repo != nil {
		rec, err := r.repo.GetDriveSyncByName(sync.DocumentName)
		if err != nil {
			log.Printf("drive: db error: %v", err)
		} else if rec != nil {
			return rec.DriveFileID, true, nil
		}
	}
	return r.lookup(ctx)
}

func (r *Remote) lookup(ctx context.Context) (string, bool, error) {
	files, err := r.service.ListFiles(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to list drive folder: %w", err)
	}
	var found *FileInfo
	for i := range files {
		if files[i].Name != sync.DocumentName {
			continue
		}
		if found == nil || files[i].ModifiedAt.After(found.ModifiedAt) {
			found = &files[i]
		}
	}
	if found == nil {
		return "", false, nil
	}
	r.remember(found.ID)
	return found.ID, false, nil
}

func (r *Remote) download(ctx context.Context, id string) ([]byte, error) {
	rc, err := r.service.DownloadFile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to download document: %w", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return b, nil
}

func (r *Remote) remember(id string) {
	if r.repo == nil {
		return
	}
	if err := r.repo.UpsertDriveSync(sync.DocumentName, id, time.Now()); err != nil {
		log.Printf("drive: failed to cache file id: %v", err)
	}
}

func (r *Remote) forget() {
	if r.repo == nil {
		return
	}
	if err := r.repo.DeleteDriveSync(sync.DocumentName); err != nil {
		log.Printf("drive: failed to drop cached file id: %v", err)
	}
}
