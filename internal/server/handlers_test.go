package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuan1250/transfer2read/internal/progress"
	"github.com/xuan1250/transfer2read/internal/repository"
	"github.com/xuan1250/transfer2read/internal/types"
)

type fakeService struct {
	jobs      map[uuid.UUID]*types.ConversionJob
	submitted []string
	started   []uuid.UUID
	startErr  error
}

func newFakeService() *fakeService {
	return &fakeService{jobs: make(map[uuid.UUID]*types.ConversionJob)}
}

func (f *fakeService) add(status types.JobStatus) *types.ConversionJob {
	job := &types.ConversionJob{
		ID:       uuid.New(),
		OwnerID:  uuid.New(),
		Tier:     types.TierPro,
		Status:   status,
		InputRef: "uploads/doc.pdf",
	}
	f.jobs[job.ID] = job
	return job
}

func (f *fakeService) Submit(_ context.Context, ownerID uuid.UUID, tier types.AccountTier, inputRef string) (*types.ConversionJob, error) {
	switch tier {
	case types.TierFree, types.TierPro, types.TierUnlimited:
	default:
		return nil, &types.ValidationError{Message: "unknown account tier"}
	}
	f.submitted = append(f.submitted, inputRef)
	job := &types.ConversionJob{ID: uuid.New(), OwnerID: ownerID, Tier: tier, Status: types.StatusUploaded, InputRef: inputRef}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeService) Start(_ context.Context, jobID uuid.UUID) (*types.ConversionJob, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	f.started = append(f.started, jobID)
	job.Status = types.StatusQueued
	return job, nil
}

func (f *fakeService) Cancel(_ context.Context, jobID uuid.UUID) (*types.ConversionJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	now := time.Now()
	job.CancelledAt = &now
	return job, nil
}

func (f *fakeService) Get(_ context.Context, jobID uuid.UUID) (*types.ConversionJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

func (f *fakeService) List(_ context.Context, ownerID uuid.UUID, _ int) ([]types.ConversionJob, error) {
	var out []types.ConversionJob
	for _, job := range f.jobs {
		if job.OwnerID == ownerID {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (f *fakeService) Delete(_ context.Context, jobID uuid.UUID, _ uuid.UUID) error {
	if _, ok := f.jobs[jobID]; !ok {
		return repository.ErrNotFound
	}
	delete(f.jobs, jobID)
	return nil
}

func (f *fakeService) DownloadURL(_ context.Context, jobID uuid.UUID) (string, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return "", repository.ErrNotFound
	}
	if job.Status != types.StatusCompleted {
		return "", repository.ErrConflict
	}
	return "https://signed.example/output.epub", nil
}

type fakeEvents struct {
	events []progress.Event
}

func (f *fakeEvents) Snapshot(_ context.Context, _ uuid.UUID) ([]progress.Event, error) {
	return f.events, nil
}

func (f *fakeEvents) Subscribe(_ context.Context, _ uuid.UUID) (<-chan progress.Event, error) {
	ch := make(chan progress.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeStore struct {
	objects map[string][]byte
}

func (f *fakeStore) Put(_ context.Context, ref string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[ref] = data
	return nil
}

func (f *fakeStore) Get(_ context.Context, ref string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.objects[ref])), nil
}

func (f *fakeStore) SignedURL(_ context.Context, ref string, _ time.Duration) (string, error) {
	return "https://signed.example/" + ref, nil
}

func (f *fakeStore) Delete(_ context.Context, ref string) error {
	delete(f.objects, ref)
	return nil
}

func newTestServer(service JobService, events EventSource, store *fakeStore) *Server {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	if store == nil {
		store = &fakeStore{}
	}
	return New(Config{Port: 0}, service, events, store, log)
}

func TestHandleCreateJob_JSONBody(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(svc, &fakeEvents{}, nil)

	body := `{"owner_id":"` + uuid.NewString() + `","tier":"pro","input_ref":"uploads/doc.pdf"}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var job types.ConversionJob
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, types.StatusUploaded, job.Status)
	assert.Equal(t, []string{"uploads/doc.pdf"}, svc.submitted)
}

func TestHandleCreateJob_RejectsBadTier(t *testing.T) {
	srv := newTestServer(newFakeService(), &fakeEvents{}, nil)

	body := `{"owner_id":"` + uuid.NewString() + `","tier":"platinum","input_ref":"uploads/doc.pdf"}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateJob_MultipartUpload(t *testing.T) {
	svc := newFakeService()
	store := &fakeStore{}
	srv := newTestServer(svc, &fakeEvents{}, store)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("owner_id", uuid.NewString()))
	require.NoError(t, mw.WriteField("tier", "free"))
	fw, err := mw.CreateFormFile("document", "book.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.7 fake"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, svc.submitted, 1)
	assert.True(t, strings.HasPrefix(svc.submitted[0], "uploads/"))
	assert.Len(t, store.objects, 1)
}

func TestHandleCreateJob_MultipartRejectsNonPDF(t *testing.T) {
	srv := newTestServer(newFakeService(), &fakeEvents{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("owner_id", uuid.NewString()))
	require.NoError(t, mw.WriteField("tier", "free"))
	fw, err := mw.CreateFormFile("document", "notes.docx")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not a pdf"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStartJob_QuotaExceededMapsTo429(t *testing.T) {
	svc := newFakeService()
	svc.startErr = &types.QuotaExceededError{OwnerID: uuid.New(), Month: "2026-08", Count: 5, Limit: 5}
	job := svc.add(types.StatusUploaded)
	srv := newTestServer(svc, &fakeEvents{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID.String()+"/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleStartJob_Succeeds(t *testing.T) {
	svc := newFakeService()
	job := svc.add(types.StatusUploaded)
	srv := newTestServer(svc, &fakeEvents{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID.String()+"/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{job.ID}, svc.started)
}

func TestHandleGetJob_NotFound(t *testing.T) {
	srv := newTestServer(newFakeService(), &fakeEvents{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetJob_InvalidID(t *testing.T) {
	srv := newTestServer(newFakeService(), &fakeEvents{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCancelJob_Accepted(t *testing.T) {
	svc := newFakeService()
	job := svc.add(types.StatusProcessing)
	srv := newTestServer(svc, &fakeEvents{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, job.CancelRequested())
}

func TestHandleListJobs_RequiresOwner(t *testing.T) {
	srv := newTestServer(newFakeService(), &fakeEvents{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDownload_RedirectsToSignedURL(t *testing.T) {
	svc := newFakeService()
	job := svc.add(types.StatusCompleted)
	srv := newTestServer(svc, &fakeEvents{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID.String()+"/download", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://signed.example/output.epub", rec.Header().Get("Location"))
}

func TestHandleDownload_ConflictWhileProcessing(t *testing.T) {
	svc := newFakeService()
	job := svc.add(types.StatusProcessing)
	srv := newTestServer(svc, &fakeEvents{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID.String()+"/download", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleJobEvents_StreamsUntilTerminal(t *testing.T) {
	svc := newFakeService()
	job := svc.add(types.StatusProcessing)
	stage := types.StageAnalyzing
	events := &fakeEvents{events: []progress.Event{
		{Seq: 1, JobID: job.ID, Status: types.StatusQueued, Percent: 0},
		{Seq: 2, JobID: job.ID, Status: types.StatusProcessing, Stage: &stage, Percent: 25},
		{Seq: 3, JobID: job.ID, Status: types.StatusCompleted, Percent: 100},
	}}
	srv := newTestServer(svc, events, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID.String()+"/events", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Equal(t, 3, strings.Count(body, "event: progress"))
	for _, id := range []string{"id: 1\n", "id: 2\n", "id: 3\n"} {
		assert.Contains(t, body, id)
	}
	assert.Contains(t, body, `"percent":100`)
}

func TestHandleDeleteJob_NoContent(t *testing.T) {
	svc := newFakeService()
	job := svc.add(types.StatusCompleted)
	srv := newTestServer(svc, &fakeEvents{}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID.String()+"?owner_id="+job.OwnerID.String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(newFakeService(), &fakeEvents{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
