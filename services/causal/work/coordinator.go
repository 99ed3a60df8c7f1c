// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package work

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/go-diff/diff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/causal/services/causal/lock"
	"github.com/AleutianAI/causal/services/causal/slice"
)

// Coordinator drives work packages through their lifecycle.
//
// Description:
//
//	Package records live in a Store; room locks live in a lock.Store.
//	Checkout acquires every room of a package in list order and rolls back
//	on the first failure, so a rejected checkout leaves no lock standing.
//
//	Lifecycle methods return (false, nil) when the package is unknown, the
//	call is not valid from its current status, or a room is held. The
//	caller must branch on the bool.
//
// Thread Safety:
//
//	Safe for concurrent use. Calls on one package id are serialised within
//	this Coordinator. Coordinators in other processes are kept apart only
//	by the lock.Store's atomic acquire.
type Coordinator struct {
	store  Store
	locks  lock.Store
	bus    Bus
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	pkgMu sync.Map // package id -> *sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBus sets the bus Dispatch publishes to. Defaults to NopBus.
func WithBus(b Bus) Option {
	return func(c *Coordinator) {
		if b != nil {
			c.bus = b
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides package id generation. Defaults to random UUIDs.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// NewCoordinator creates a Coordinator over the given stores.
func NewCoordinator(store Store, locks lock.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		locks:  locks,
		bus:    NopBus{},
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create persists a new PENDING package.
//
// Description:
//
//	Assigns a fresh id and the current time. Rooms are de-duplicated,
//	keeping first occurrences in order, since checkout acquires them in
//	that order.
//
// Outputs:
//
//	*Package - The stored record.
//	error - Non-nil if the request is invalid or the save failed.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*Package, error) {
	if err := recordValidate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid create request: %w", err)
	}

	p := &Package{
		ID:           c.newID(),
		Title:        req.Title,
		Description:  req.Description,
		Status:       StatusPending,
		Rooms:        dedupe(req.Rooms),
		Files:        cloneStrings(req.Files),
		ImpactRadius: req.ImpactRadius,
		Routes:       cloneStrings(req.Routes),
		Constraints:  cloneStrings(req.Constraints),
		TestFiles:    cloneStrings(req.TestFiles),
		Priority:     req.Priority,
		CreatedAt:    c.now().UTC(),
	}

	ctx, span := startOpSpan(ctx, "Create", p.ID)
	defer span.End()

	if err := c.store.SavePackage(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return nil, fmt.Errorf("saving work package: %w", err)
	}

	c.logger.Info("work package created",
		slog.String("id", p.ID),
		slog.String("title", p.Title),
		slog.Int("rooms", len(p.Rooms)))
	return p.clone(), nil
}

// CreateFromBundle creates a package scoped to a causal slice. Rooms and
// files are the slice's affected files; the impact radius is its node
// count. Returns ErrEmptySlice for a bundle with no nodes.
func (c *Coordinator) CreateFromBundle(ctx context.Context, title string, b *slice.Bundle) (*Package, error) {
	if b == nil || b.TotalNodes() == 0 {
		return nil, ErrEmptySlice
	}
	focal := b.FocalPoints
	if len(focal) == 0 {
		focal = []string{b.FocalPoint}
	}
	return c.Create(ctx, CreateRequest{
		Title:        title,
		Description:  "Causal slice around " + strings.Join(focal, ", "),
		Rooms:        b.Rooms(),
		Files:        b.Files(),
		ImpactRadius: b.TotalNodes(),
	})
}

// Checkout claims a PENDING package for workerID.
//
// Description:
//
//	Acquires every room in list order through the lock store. If any room
//	is held, or acquisition fails, every lock taken by this attempt is
//	released and the package is left untouched. On success the package
//	moves to CHECKED_OUT.
//
//	timeoutHours > 0 stamps an expiry on each lock record. Expiry is
//	informational; nothing reclaims an expired lock.
//
// Outputs:
//
//	bool - True if the package was checked out.
//	error - Non-nil on a storage failure.
func (c *Coordinator) Checkout(ctx context.Context, id, workerID string, timeoutHours float64) (bool, error) {
	ctx, span := startOpSpan(ctx, "Checkout", id)
	defer span.End()
	span.SetAttributes(attribute.String("work.worker_id", workerID))

	mu := c.packageMutex(id)
	mu.Lock()
	defer mu.Unlock()

	p, ok, err := c.load(ctx, id)
	if err != nil || !ok {
		return c.rejectCheckout(ctx, span, err)
	}
	if !CanTransition(p.Status, StatusCheckedOut) || workerID == "" {
		return c.rejectCheckout(ctx, span, nil)
	}

	now := c.now().UTC()
	var expires *time.Time
	if timeoutHours > 0 {
		t := now.Add(time.Duration(timeoutHours * float64(time.Hour)))
		expires = &t
	}

	acquired := make([]string, 0, len(p.Rooms))
	for _, room := range p.Rooms {
		won, err := c.locks.TryAcquire(ctx, lock.RoomLock{
			RoomID:    room,
			PackageID: p.ID,
			WorkerID:  workerID,
			LockedAt:  now,
			ExpiresAt: expires,
		})
		if err != nil || !won {
			c.rollback(ctx, p.ID, acquired)
			if err != nil {
				recordCheckout(ctx, checkoutError)
				span.RecordError(err)
				span.SetStatus(codes.Error, "lock acquire failed")
				return false, fmt.Errorf("acquiring room %q: %w", room, err)
			}
			recordLockConflict(ctx)
			recordCheckout(ctx, checkoutConflict)
			span.SetAttributes(attribute.String("work.conflict_room", room))
			c.logger.Info("checkout rejected, room held",
				slog.String("id", p.ID),
				slog.String("room", room),
				slog.String("worker_id", workerID))
			return false, nil
		}
		acquired = append(acquired, room)
	}

	// Another process may have moved the package on while rooms were being
	// taken; its release would have freed our locks already.
	current, found, err := c.load(ctx, id)
	if err != nil || !found || current.Status != p.Status {
		c.rollback(ctx, p.ID, acquired)
		if err != nil {
			recordCheckout(ctx, checkoutError)
			span.RecordError(err)
			span.SetStatus(codes.Error, "reload failed")
			return false, err
		}
		recordCheckout(ctx, checkoutRejected)
		c.logger.Info("checkout rejected, package changed during acquire",
			slog.String("id", p.ID),
			slog.String("worker_id", workerID))
		return false, nil
	}

	p.Status = StatusCheckedOut
	p.WorkerID = workerID
	p.CheckedOutAt = &now
	if err := c.store.SavePackage(ctx, p); err != nil {
		c.rollback(ctx, p.ID, acquired)
		recordCheckout(ctx, checkoutError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return false, fmt.Errorf("saving work package: %w", err)
	}

	recordCheckout(ctx, checkoutOK)
	recordTransition(ctx, StatusCheckedOut)
	c.logger.Info("work package checked out",
		slog.String("id", p.ID),
		slog.String("worker_id", workerID),
		slog.Int("rooms", len(acquired)))
	return true, nil
}

func (c *Coordinator) rejectCheckout(ctx context.Context, span trace.Span, err error) (bool, error) {
	if err != nil {
		recordCheckout(ctx, checkoutError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return false, err
	}
	recordCheckout(ctx, checkoutRejected)
	return false, nil
}

// rollback releases rooms acquired by a failed checkout. It runs even if
// ctx was cancelled so no lock is left behind.
func (c *Coordinator) rollback(ctx context.Context, packageID string, rooms []string) {
	if len(rooms) == 0 {
		return
	}
	if err := c.releaseRooms(context.WithoutCancel(ctx), packageID, rooms); err != nil {
		c.logger.Error("checkout rollback incomplete",
			slog.String("id", packageID),
			slog.String("error", err.Error()))
	}
}

// Release returns a CHECKED_OUT package to PENDING and frees its rooms.
func (c *Coordinator) Release(ctx context.Context, id string) (bool, error) {
	return c.transition(ctx, "Release", id, StatusPending, func(ctx context.Context, p *Package) error {
		if err := c.releaseRooms(ctx, p.ID, p.Rooms); err != nil {
			return err
		}
		p.WorkerID = ""
		p.CheckedOutAt = nil
		return nil
	})
}

// SubmitDiff stores a diff for a CHECKED_OUT package.
//
// Description:
//
//	The raw payload is stored as given and its location recorded on the
//	package. Touched paths are extracted on a best-effort basis into
//	DiffFiles; a payload go-diff cannot parse is still stored, with
//	DiffFiles left empty. Empty or whitespace-only content is rejected with
//	(false, nil). Status does not change. A later submission replaces the
//	earlier one.
func (c *Coordinator) SubmitDiff(ctx context.Context, id string, content []byte) (bool, error) {
	ctx, span := startOpSpan(ctx, "SubmitDiff", id)
	defer span.End()

	if len(bytes.TrimSpace(content)) == 0 {
		c.logger.Debug("rejecting empty diff", slog.String("id", id))
		return false, nil
	}

	mu := c.packageMutex(id)
	mu.Lock()
	defer mu.Unlock()

	p, found, err := c.load(ctx, id)
	if err != nil || !found {
		return false, err
	}
	if p.Status != StatusCheckedOut {
		return false, nil
	}

	loc, err := c.store.SaveDiff(ctx, id, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save diff failed")
		return false, fmt.Errorf("saving diff: %w", err)
	}
	touched := diffPaths(content)
	p.DiffFile = loc
	p.DiffFiles = touched
	if err := c.store.SavePackage(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return false, fmt.Errorf("saving work package: %w", err)
	}

	c.logger.Info("diff submitted",
		slog.String("id", id),
		slog.Int("files", len(touched)))
	return true, nil
}

// Complete finishes a CHECKED_OUT package: its rooms are released, it
// moves to COMPLETED and a result snapshot is stored.
func (c *Coordinator) Complete(ctx context.Context, id, summary string) (bool, error) {
	return c.transition(ctx, "Complete", id, StatusCompleted, func(ctx context.Context, p *Package) error {
		if err := c.releaseRooms(ctx, p.ID, p.Rooms); err != nil {
			return err
		}
		now := c.now().UTC()
		p.Status = StatusCompleted
		p.CompletedAt = &now
		p.ResultSummary = summary
		if _, err := c.store.SaveResult(ctx, p); err != nil {
			return fmt.Errorf("saving result: %w", err)
		}
		return nil
	})
}

// Abandon moves a PENDING, CHECKED_OUT or COMPLETED package to ABANDONED.
// Any room still held by the package is released.
func (c *Coordinator) Abandon(ctx context.Context, id, reason string) (bool, error) {
	return c.transition(ctx, "Abandon", id, StatusAbandoned, func(ctx context.Context, p *Package) error {
		if err := c.releaseRooms(ctx, p.ID, p.Rooms); err != nil {
			return err
		}
		p.AbandonReason = reason
		return nil
	})
}

// MarkMerged moves a COMPLETED package to MERGED.
func (c *Coordinator) MarkMerged(ctx context.Context, id string) (bool, error) {
	return c.transition(ctx, "MarkMerged", id, StatusMerged, nil)
}

// transition runs one guarded lifecycle step: load, check the status
// table, apply fn, set the new status and save.
func (c *Coordinator) transition(ctx context.Context, op, id string, to Status, fn func(context.Context, *Package) error) (bool, error) {
	ctx, span := startOpSpan(ctx, op, id)
	defer span.End()

	mu := c.packageMutex(id)
	mu.Lock()
	defer mu.Unlock()

	p, ok, err := c.load(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	from := p.Status
	if !CanTransition(from, to) {
		span.SetAttributes(attribute.String("work.status", string(from)))
		return false, nil
	}

	if fn != nil {
		if err := fn(ctx, p); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, op+" failed")
			return false, err
		}
	}
	p.Status = to
	if err := c.store.SavePackage(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return false, fmt.Errorf("saving work package: %w", err)
	}

	recordTransition(ctx, to)
	c.logger.Info("work package transition",
		slog.String("id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return true, nil
}

// releaseRooms frees every room in rooms that packageID holds. Rooms held
// by someone else are skipped. A corrupt record counts as held by someone
// else and is left in place.
func (c *Coordinator) releaseRooms(ctx context.Context, packageID string, rooms []string) error {
	var errs []error
	for _, room := range rooms {
		err := c.locks.Release(ctx, room, packageID)
		switch {
		case err == nil:
		case errors.Is(err, lock.ErrNotHolder):
			c.logger.Debug("room held by another package, not released",
				slog.String("id", packageID),
				slog.String("room", room))
		case errors.Is(err, lock.ErrMalformedRecord):
			c.logger.Warn("room lock record unreadable, left in place",
				slog.String("id", packageID),
				slog.String("room", room),
				slog.String("error", err.Error()))
		default:
			errs = append(errs, fmt.Errorf("releasing room %q: %w", room, err))
		}
	}
	return errors.Join(errs...)
}

// Get returns the package with id, or ErrNotFound.
func (c *Coordinator) Get(ctx context.Context, id string) (*Package, error) {
	return c.store.LoadPackage(ctx, id)
}

// List returns packages ordered by creation time. With statuses given,
// only packages in one of them are returned.
func (c *Coordinator) List(ctx context.Context, statuses ...Status) ([]*Package, error) {
	all, err := c.store.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return all, nil
	}
	want := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	out := make([]*Package, 0, len(all))
	for _, p := range all {
		if _, ok := want[p.Status]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListLocks returns every room lock currently held.
func (c *Coordinator) ListLocks(ctx context.Context) ([]lock.RoomLock, error) {
	return c.locks.List(ctx)
}

// GetConflicts returns the current locks on any of rooms.
//
// Description:
//
//	Advisory only. A room can be taken between GetConflicts and Checkout;
//	Checkout is the only enforcement point. An unreadable record is
//	reported as a lock with only RoomID set.
func (c *Coordinator) GetConflicts(ctx context.Context, rooms []string) ([]lock.RoomLock, error) {
	out := make([]lock.RoomLock, 0)
	for _, room := range dedupe(rooms) {
		l, err := c.locks.Get(ctx, room)
		switch {
		case err == nil:
			out = append(out, *l)
		case errors.Is(err, lock.ErrNotFound):
		case errors.Is(err, lock.ErrMalformedRecord):
			out = append(out, lock.RoomLock{RoomID: room})
		default:
			return nil, fmt.Errorf("reading lock for room %q: %w", room, err)
		}
	}
	return out, nil
}

// Export builds the handoff record for a package. The description falls
// back to the title when empty. Returns ErrNotFound for an unknown id.
func (c *Coordinator) Export(ctx context.Context, id, sliceText string) (*Handoff, error) {
	p, err := c.store.LoadPackage(ctx, id)
	if err != nil {
		return nil, err
	}
	desc := p.Description
	if desc == "" {
		desc = p.Title
	}
	return &Handoff{
		ID:          p.ID,
		Description: desc,
		Inputs: HandoffInputs{
			Rooms:           nonNil(p.Rooms),
			Files:           nonNil(p.Files),
			CausalSliceText: sliceText,
		},
		Outputs: HandoffOutputs{
			DiffLocation:   c.store.DiffLocation(p.ID),
			ResultLocation: c.store.ResultLocation(p.ID),
		},
		Constraints: nonNil(p.Constraints),
		Priority:    p.Priority,
	}, nil
}

// Dispatch exports a package and publishes it on the bus.
func (c *Coordinator) Dispatch(ctx context.Context, id, sliceText string) (*Handoff, error) {
	ctx, span := startOpSpan(ctx, "Dispatch", id)
	defer span.End()

	h, err := c.Export(ctx, id, sliceText)
	if err != nil {
		return nil, err
	}
	if err := c.bus.Publish(ctx, h); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return nil, fmt.Errorf("publishing handoff %s: %w", id, err)
	}
	c.logger.Info("work package dispatched", slog.String("id", id))
	return h, nil
}

// load returns (nil, false, nil) for an unknown id.
func (c *Coordinator) load(ctx context.Context, id string) (*Package, bool, error) {
	p, err := c.store.LoadPackage(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("loading work package %s: %w", id, err)
	}
	return p, true, nil
}

func (c *Coordinator) packageMutex(id string) *sync.Mutex {
	mu, _ := c.pkgMu.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// diffPaths returns the paths a diff touches, with a/ and b/ prefixes
// removed. Headerless git sections (mode changes, pure renames, binary
// files) fall back to the "diff --git a/x b/y" line. Returns nil when
// nothing can be extracted.
func diffPaths(content []byte) []string {
	fds, err := diff.ParseMultiFileDiff(content)
	if err != nil {
		return gitHeaderPaths(strings.Split(string(content), "\n"))
	}
	var paths []string
	for _, fd := range fds {
		name := fd.NewName
		if name == "" || name == "/dev/null" {
			name = fd.OrigName
		}
		name = trimDiffPrefix(name)
		if name == "" || name == "/dev/null" {
			paths = append(paths, gitHeaderPaths(fd.Extended)...)
			continue
		}
		paths = append(paths, name)
	}
	return dedupe(paths)
}

// gitHeaderPaths reads the new-side path from "diff --git a/x b/y" lines.
func gitHeaderPaths(lines []string) []string {
	var paths []string
	for _, line := range lines {
		rest, ok := strings.CutPrefix(line, "diff --git ")
		if !ok {
			continue
		}
		i := strings.LastIndex(rest, " b/")
		if i < 0 {
			continue
		}
		if name := trimDiffPrefix(strings.TrimSpace(rest[i+1:])); name != "" {
			paths = append(paths, name)
		}
	}
	return paths
}

func trimDiffPrefix(name string) string {
	return strings.TrimPrefix(strings.TrimPrefix(name, "b/"), "a/")
}

func nonNil(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	return cloneStrings(in)
}
