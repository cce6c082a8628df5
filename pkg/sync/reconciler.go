package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ConflictThreshold is the lastSync gap above which two copies are
// reported as conflicting.
const ConflictThreshold = time.Hour

// Backuper keeps a copy of the local document before it is overwritten.
type Backuper interface {
	Create(data []byte) (string, error)
}

// History records the local data directory after it changed.
type History interface {
	Commit(message string) error
}

// Outcome reports what happened with one remote during a sync run.
type Outcome struct {
	Downloaded bool   `json:"download"`
	Uploaded   bool   `json:"upload"`
	Error      string `json:"error,omitempty"`
}

// Conflict is a pair of copies whose timestamps drifted apart.
type Conflict struct {
	Source1    string    `json:"source1"`
	Source2    string    `json:"source2"`
	Time1      time.Time `json:"time1"`
	Time2      time.Time `json:"time2"`
	Difference int64     `json:"difference"`
}

// Resolution describes the result of ResolveConflicts.
type Resolution struct {
	Winner   string     `json:"winner"`
	LastSync *time.Time `json:"last_sync,omitempty"`
	Written  []string   `json:"written"`
}

// Status summarizes the reconciler state.
type Status struct {
	Remotes   []string   `json:"remotes"`
	Enabled   bool       `json:"enabled"`
	LastSync  *time.Time `json:"last_sync"`
	Conflicts []Conflict `json:"conflicts"`
}

// Options configures a Reconciler.
type Options struct {
	DeviceName string
	Backups    Backuper
	History    History
	Now        func() time.Time
}

// Reconciler keeps the local store and the remotes in step using
// last-write-wins on the metadata timestamp. Sync and resolve runs are
// serialized.
type Reconciler struct {
	mu       sync.Mutex
	local    *Local
	remotes  []Remote
	device   string
	backups  Backuper
	history  History
	now      func() time.Time
	lastSync *time.Time
}

// NewReconciler creates a reconciler. Remotes are visited in the given order.
func NewReconciler(local *Local, remotes []Remote, opts Options) *Reconciler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		local:   local,
		remotes: remotes,
		device:  opts.DeviceName,
		backups: opts.Backups,
		history: opts.History,
		now:     now,
	}
}

// Enabled reports whether at least one remote is configured.
func (r *Reconciler) Enabled() bool {
	return len(r.remotes) > 0
}

// PerformSync visits every remote: a strictly newer remote copy replaces
// the local one first, then the (possibly updated) local document is
// stamped and uploaded. A failing remote does not stop the others.
func (r *Reconciler) PerformSync(ctx context.Context) (map[string]Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, err := r.local.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read local document: %w", err)
	}

	outcomes := make(map[string]Outcome, len(r.remotes))
	var errs []error
	var stamp *Metadata
	for _, remote := range r.remotes {
		var out Outcome
		remoteDoc, err := readCopy(ctx, remote)
		if err != nil {
			out.Error = err.Error()
			outcomes[remote.Name()] = out
			errs = append(errs, fmt.Errorf("%s: %w", remote.Name(), err))
			log.Printf("sync: skipping %s: %v", remote.Name(), err)
			continue
		}

		if newer(remoteDoc, local) {
			if err := r.download(ctx, local, remoteDoc, remote.Name()); err != nil {
				out.Error = err.Error()
				outcomes[remote.Name()] = out
				errs = append(errs, fmt.Errorf("%s: %w", remote.Name(), err))
				log.Printf("sync: download from %s failed: %v", remote.Name(), err)
				continue
			}
			local = remoteDoc
			out.Downloaded = true
			log.Printf("sync: downloaded newer document from %s", remote.Name())
		}

		upload := local.Stamped(r.now(), r.device)
		if err := remote.Write(ctx, upload); err != nil {
			out.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", remote.Name(), err))
			log.Printf("sync: upload to %s failed: %v", remote.Name(), err)
		} else {
			out.Uploaded = true
			stamp = upload.Metadata
		}
		outcomes[remote.Name()] = out
	}

	if stamp != nil {
		if err := r.local.SetMetadata(ctx, stamp); err != nil {
			errs = append(errs, err)
		}
	}
	now := r.now().UTC()
	r.lastSync = &now
	return outcomes, errors.Join(errs...)
}

func (r *Reconciler) download(ctx context.Context, current, incoming *Document, from string) error {
	if r.backups != nil {
		b, err := current.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode local document: %w", err)
		}
		name, err := r.backups.Create(b)
		if err != nil {
			return fmt.Errorf("failed to back up local document: %w", err)
		}
		log.Printf("sync: local document backed up as %s", name)
	}
	if err := r.local.Write(ctx, incoming); err != nil {
		return err
	}
	r.record(fmt.Sprintf("sync: replaced local document from %s", from))
	return nil
}

func (r *Reconciler) record(message string) {
	if r.history == nil {
		return
	}
	if err := r.history.Commit(message); err != nil {
		log.Printf("sync: failed to record history: %v", err)
	}
}

// newer reports whether incoming should replace current.
func newer(incoming, current *Document) bool {
	in, ok := incoming.LastSync()
	if !ok {
		return false
	}
	cur, ok := current.LastSync()
	if !ok {
		return true
	}
	return in.After(cur)
}

// readCopy treats a malformed copy as absent.
func readCopy(ctx context.Context, src Remote) (*Document, error) {
	doc, err := src.Read(ctx)
	if errors.Is(err, ErrMalformed) {
		log.Printf("sync: ignoring %s copy: %v", src.Name(), err)
		return nil, nil
	}
	return doc, err
}

type copyInfo struct {
	name string
	doc  *Document
	at   time.Time
}

// copies loads every readable timestamped copy, local first.
func (r *Reconciler) copies(ctx context.Context) []copyInfo {
	var out []copyInfo
	add := func(name string, doc *Document) {
		if at, ok := doc.LastSync(); ok {
			out = append(out, copyInfo{name: name, doc: doc, at: at})
		}
	}
	if doc, err := readCopy(ctx, r.local); err == nil && doc != nil {
		add(LocalName, doc)
	}
	for _, remote := range r.remotes {
		doc, err := readCopy(ctx, remote)
		if err != nil {
			log.Printf("sync: cannot read %s: %v", remote.Name(), err)
			continue
		}
		if doc != nil {
			add(remote.Name(), doc)
		}
	}
	return out
}

// DetectConflicts reports every pair of copies whose lastSync differ by
// more than ConflictThreshold. Copies without metadata are not compared.
func (r *Reconciler) DetectConflicts(ctx context.Context) []Conflict {
	return detect(r.copies(ctx))
}

func detect(copies []copyInfo) []Conflict {
	conflicts := []Conflict{}
	for i := 0; i < len(copies); i++ {
		for j := i + 1; j < len(copies); j++ {
			diff := copies[i].at.Sub(copies[j].at)
			if diff < 0 {
				diff = -diff
			}
			if diff > ConflictThreshold {
				conflicts = append(conflicts, Conflict{
					Source1:    copies[i].name,
					Source2:    copies[j].name,
					Time1:      copies[i].at,
					Time2:      copies[j].at,
					Difference: diff.Milliseconds(),
				})
			}
		}
	}
	return conflicts
}

// ResolveConflicts copies the strictly newest copy over local and every
// remote. Ties keep the first copy seen, local first. Without any
// timestamped copy a fresh empty document is written everywhere.
func (r *Reconciler) ResolveConflicts(ctx context.Context) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var winner *copyInfo
	for _, c := range r.copies(ctx) {
		if winner == nil || c.at.After(winner.at) {
			winner = &c
		}
	}

	var res Resolution
	var doc *Document
	if winner == nil {
		doc = EmptyDocument().Stamped(r.now(), r.device)
		res.Winner = "new"
	} else {
		doc = winner.doc
		res.Winner = winner.name
		at := winner.at
		res.LastSync = &at
	}
	log.Printf("sync: resolving conflicts with the %s copy", res.Winner)

	var errs []error
	if err := r.local.Write(ctx, doc); err != nil {
		errs = append(errs, err)
	} else {
		res.Written = append(res.Written, LocalName)
	}
	for _, remote := range r.remotes {
		if err := remote.Write(ctx, doc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", remote.Name(), err))
			continue
		}
		res.Written = append(res.Written, remote.Name())
	}
	r.record(fmt.Sprintf("sync: resolved conflicts using %s", res.Winner))
	return res, errors.Join(errs...)
}

// Status reports the configured remotes, the last run and current conflicts.
func (r *Reconciler) Status(ctx context.Context) Status {
	names := make([]string, 0, len(r.remotes))
	for _, remote := range r.remotes {
		names = append(names, remote.Name())
	}
	r.mu.Lock()
	last := r.lastSync
	r.mu.Unlock()
	return Status{
		Remotes:   names,
		Enabled:   r.Enabled(),
		LastSync:  last,
		Conflicts: r.DetectConflicts(ctx),
	}
}

// Snapshot returns the encoded local document.
func (r *Reconciler) Snapshot(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.local.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read local document: %w", err)
	}
	return doc.Encode()
}

// Restore replaces the local document with data, usually a backup. The
// current document is backed up first so a restore can be undone.
func (r *Reconciler) Restore(ctx context.Context, data []byte, label string) error {
	doc, err := ParseDocument(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.local.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read local document: %w", err)
	}
	if err := r.download(ctx, current, doc, label); err != nil {
		return err
	}
	log.Printf("sync: local document restored from %s", label)
	return nil
}
