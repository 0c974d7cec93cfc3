package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xuan1250/transfer2read/internal/llm"
	"github.com/xuan1250/transfer2read/internal/pdfpage"
	"github.com/xuan1250/transfer2read/internal/progress"
	"github.com/xuan1250/transfer2read/internal/quality"
	"github.com/xuan1250/transfer2read/internal/queue"
	"github.com/xuan1250/transfer2read/internal/repository"
	"github.com/xuan1250/transfer2read/internal/router"
	"github.com/xuan1250/transfer2read/internal/stages"
	"github.com/xuan1250/transfer2read/internal/types"
)

// fakeJobStore mirrors the repository's guarded transitions in memory and
// rejects any edge the transition table does not allow.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*types.ConversionJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[uuid.UUID]*types.ConversionJob)}
}

func (f *fakeJobStore) add(job *types.ConversionJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeJobStore) get(id uuid.UUID) (*types.ConversionJob, error) {
	job, ok := f.jobs[id]
	if !ok || job.DeletedAt != nil {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobStore) transition(job *types.ConversionJob, to types.JobStatus) error {
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("illegal transition %s -> %s", job.Status, to)
	}
	job.Status = to
	return nil
}

func (f *fakeJobStore) Create(_ context.Context, ownerID uuid.UUID, tier types.AccountTier, inputRef string) (*types.ConversionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := &types.ConversionJob{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Tier:      tier,
		Status:    types.StatusUploaded,
		InputRef:  inputRef,
		CreatedAt: time.Now(),
	}
	f.jobs[job.ID] = job
	copied := *job
	return &copied, nil
}

func (f *fakeJobStore) GetByID(_ context.Context, id uuid.UUID) (*types.ConversionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.get(id)
	if err != nil {
		return nil, err
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobStore) GetForUpdate(ctx context.Context, _ repository.Querier, id uuid.UUID) (*types.ConversionJob, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeJobStore) ListByOwner(_ context.Context, ownerID uuid.UUID, limit int) ([]types.ConversionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ConversionJob
	for _, job := range f.jobs {
		if job.OwnerID == ownerID && job.DeletedAt == nil && len(out) < limit {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (f *fakeJobStore) MarkQueued(_ context.Context, _ repository.Querier, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.get(id)
	if err != nil {
		return err
	}
	if job.Status != types.StatusUploaded || job.CancelRequested() {
		return repository.ErrConflict
	}
	if err := f.transition(job, types.StatusQueued); err != nil {
		return err
	}
	now := time.Now()
	job.QueuedAt = &now
	return nil
}

func (f *fakeJobStore) MarkProcessing(_ context.Context, id uuid.UUID, stage types.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.get(id)
	if err != nil {
		return err
	}
	if job.Status != types.StatusQueued && job.Status != types.StatusProcessing {
		return repository.ErrConflict
	}
	if job.Status == types.StatusQueued {
		if err := f.transition(job, types.StatusProcessing); err != nil {
			return err
		}
	}
	job.Stage = &stage
	return nil
}

func (f *fakeJobStore) AdvanceStage(_ context.Context, id uuid.UUID, stage types.Stage, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.get(id)
	if err != nil {
		return err
	}
	if job.Status != types.StatusProcessing {
		return repository.ErrConflict
	}
	job.Stage = &stage
	if percent > job.ProgressPercent {
		job.ProgressPercent = percent
	}
	return nil
}

func (f *fakeJobStore) IncrementAttempt(_ context.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.get(id)
	if err != nil {
		return 0, err
	}
	job.AttemptCount++
	return job.AttemptCount, nil
}

func (f *fakeJobStore) MarkCompleted(_ context.Context, id uuid.UUID, outputRef string, report *types.QualityReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.get(id)
	if err != nil {
		return err
	}
	if job.Status != types.StatusProcessing {
		return repository.ErrConflict
	}
	if err := f.transition(job, types.StatusCompleted); err != nil {
		return err
	}
	job.OutputRef = &outputRef
	job.QualityReport = report
	job.ProgressPercent = 100
	now := time.Now()
	job.CompletedAt = &now
	return nil
}

func (f *fakeJobStore) MarkFailed(_ context.Context, id uuid.UUID, kind types.ErrorKind, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.get(id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return repository.ErrConflict
	}
	if err := f.transition(job, types.StatusFailed); err != nil {
		return err
	}
	job.Error = &types.JobError{Kind: kind, Message: message}
	return nil
}

func (f *fakeJobStore) RequestCancel(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.get(id)
	if err != nil {
		return err
	}
	if !job.Terminal() && job.CancelledAt == nil {
		now := time.Now()
		job.CancelledAt = &now
	}
	return nil
}

func (f *fakeJobStore) MarkCancelled(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.get(id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return repository.ErrConflict
	}
	return f.transition(job, types.StatusCancelled)
}

func (f *fakeJobStore) SoftDelete(_ context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.get(id)
	if err != nil {
		return err
	}
	if job.OwnerID != ownerID {
		return repository.ErrNotFound
	}
	now := time.Now()
	job.DeletedAt = &now
	return nil
}

// fakeLedger applies the same conditional increment as the SQL upsert.
type fakeLedger struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{counts: make(map[string]int)}
}

func (f *fakeLedger) TryIncrement(_ context.Context, _ repository.Querier, ownerID uuid.UUID, month string, limit int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ownerID.String() + "/" + month
	if limit > 0 && f.counts[key] >= limit {
		return f.counts[key], false, nil
	}
	f.counts[key]++
	return f.counts[key], true, nil
}

type fakeTx struct{}

func (fakeTx) WithTx(_ context.Context, fn func(q repository.Querier) error) error {
	return fn(nil)
}

type fakeArtifacts struct {
	mu    sync.Mutex
	saved map[uuid.UUID]map[types.Stage]*repository.StageArtifact
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{saved: make(map[uuid.UUID]map[types.Stage]*repository.StageArtifact)}
}

func (f *fakeArtifacts) Save(_ context.Context, jobID uuid.UUID, stage types.Stage, artifact *repository.StageArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved[jobID] == nil {
		f.saved[jobID] = make(map[types.Stage]*repository.StageArtifact)
	}
	f.saved[jobID][stage] = artifact
	return nil
}

func (f *fakeArtifacts) Load(_ context.Context, jobID uuid.UUID) (map[types.Stage]*repository.StageArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[types.Stage]*repository.StageArtifact, len(f.saved[jobID]))
	for st, a := range f.saved[jobID] {
		out[st] = a
	}
	return out, nil
}

type fakeQueue struct {
	mu        sync.Mutex
	ids       []string
	onEnqueue func()
}

func (f *fakeQueue) Enqueue(_ context.Context, jobID string) error {
	f.mu.Lock()
	f.ids = append(f.ids, jobID)
	hook := f.onEnqueue
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

type fakeLease struct {
	mu       sync.Mutex
	released bool
}

func (f *fakeLease) Release(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

func (f *fakeLease) KeepAlive(ctx context.Context, _ time.Duration) {
	<-ctx.Done()
}

type fakeLeases struct {
	mu       sync.Mutex
	held     bool
	acquired int
	last     *fakeLease
}

func (f *fakeLeases) Acquire(_ context.Context, _ string) (Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return nil, queue.ErrLeaseHeld
	}
	f.acquired++
	f.last = &fakeLease{}
	return f.last, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []progress.Event
}

func (f *fakePublisher) Publish(_ context.Context, ev progress.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) all() []progress.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]progress.Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakePublisher) last() progress.Event {
	evs := f.all()
	return evs[len(evs)-1]
}

type fakePages struct {
	mu    sync.Mutex
	pages []pdfpage.Page
	err   error
	calls int
}

func (f *fakePages) Pages(_ context.Context, _ *types.ConversionJob) ([]pdfpage.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Put(_ context.Context, ref string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[ref] = data
	return nil
}

func (f *fakeObjectStore) Get(_ context.Context, ref string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[ref]
	if !ok {
		return nil, &types.StorageError{Op: "get", Ref: ref, Cause: fmt.Errorf("not found")}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjectStore) SignedURL(_ context.Context, ref string, _ time.Duration) (string, error) {
	return "https://signed.example/" + ref, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, ref)
	f.deleted = append(f.deleted, ref)
	return nil
}

// fakeExecutor returns its scripted errors in order, then succeeds with a
// canned output for its stage.
type fakeExecutor struct {
	stage   types.Stage
	errs    []error
	contrib *quality.Contribution

	mu    sync.Mutex
	calls int
}

func (f *fakeExecutor) Stage() types.Stage { return f.stage }

func (f *fakeExecutor) Run(_ context.Context, _ *stages.Context, _ *types.StageOutputs) (*types.StageOutputs, *quality.Contribution, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, nil, f.errs[i]
	}
	return stageOut(f.stage), f.contrib, nil
}

func stageOut(st types.Stage) *types.StageOutputs {
	switch st {
	case types.StageAnalyzing:
		return &types.StageOutputs{Analysis: &types.AnalysisOutput{Version: 1}}
	case types.StageExtracting:
		return &types.StageOutputs{Extraction: &types.ExtractionOutput{Version: 1}}
	case types.StageStructuring:
		return &types.StageOutputs{Structure: &types.StructureOutput{Version: 1}}
	case types.StageGenerating:
		return &types.StageOutputs{Generation: &types.GenerationOutput{Version: 1, OutputRef: "jobs/test/output.epub", Chapters: 3}}
	}
	return &types.StageOutputs{}
}

// stubProvider satisfies llm.Provider for the router the fakes never call.
type stubProvider struct{ name string }

func (p stubProvider) Name() string { return p.name }

func (p stubProvider) AnalyzePage(_ context.Context, _ llm.PageRequest) (*llm.PageResult, error) {
	return &llm.PageResult{Confidence: 100}, nil
}

func (p stubProvider) CompleteJSON(_ context.Context, _ string) (string, error) {
	return "{}", nil
}

// harness bundles an orchestrator with all of its fakes.
type harness struct {
	orch      *Orchestrator
	jobs      *fakeJobStore
	ledger    *fakeLedger
	artifacts *fakeArtifacts
	queue     *fakeQueue
	leases    *fakeLeases
	publisher *fakePublisher
	pages     *fakePages
	store     *fakeObjectStore
	executors []*fakeExecutor
	slept     *[]time.Duration
}

func newHarness(cfg Config) *harness {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	h := &harness{
		jobs:      newFakeJobStore(),
		ledger:    newFakeLedger(),
		artifacts: newFakeArtifacts(),
		queue:     &fakeQueue{},
		leases:    &fakeLeases{},
		publisher: &fakePublisher{},
		pages:     &fakePages{pages: []pdfpage.Page{{Number: 1, Text: "hello"}}},
		store:     newFakeObjectStore(),
	}
	for _, st := range types.StageOrder {
		h.executors = append(h.executors, &fakeExecutor{stage: st})
	}
	execs := make([]stages.Executor, len(h.executors))
	for i, e := range h.executors {
		execs[i] = e
	}

	if cfg.TierLimits == nil {
		cfg.TierLimits = map[types.AccountTier]int{
			types.TierFree:      2,
			types.TierPro:       100,
			types.TierUnlimited: -1,
		}
	}
	if cfg.RetryUnit == 0 {
		cfg.RetryUnit = time.Second
	}

	rt := router.New(stubProvider{name: "primary"}, stubProvider{name: "fallback"}, router.Config{}, log)
	h.orch = New(h.jobs, h.ledger, fakeTx{}, h.artifacts, h.queue, h.leases, h.publisher, rt, h.store, h.pages, execs, cfg, log)

	var slept []time.Duration
	h.slept = &slept
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		*h.slept = append(*h.slept, d)
		return nil
	}
	return h
}

func (h *harness) executor(st types.Stage) *fakeExecutor {
	for _, e := range h.executors {
		if e.stage == st {
			return e
		}
	}
	return nil
}

func newOwner() uuid.UUID { return uuid.New() }

func (h *harness) addJob(status types.JobStatus, tier types.AccountTier) *types.ConversionJob {
	job := &types.ConversionJob{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Tier:      tier,
		Status:    status,
		InputRef:  "uploads/input.pdf",
		CreatedAt: time.Now(),
	}
	if status != types.StatusUploaded {
		now := time.Now()
		job.QueuedAt = &now
	}
	h.jobs.add(job)
	return job
}
