package stages

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xuan1250/transfer2read/internal/llm"
	"github.com/xuan1250/transfer2read/internal/router"
	"github.com/xuan1250/transfer2read/internal/types"
)

// funcProvider lets each test script the provider behavior directly.
type funcProvider struct {
	name     string
	analyze  func(req llm.PageRequest) (*llm.PageResult, error)
	complete func(prompt string) (string, error)
}

func (p *funcProvider) Name() string { return p.name }

func (p *funcProvider) AnalyzePage(_ context.Context, req llm.PageRequest) (*llm.PageResult, error) {
	return p.analyze(req)
}

func (p *funcProvider) CompleteJSON(_ context.Context, prompt string) (string, error) {
	return p.complete(prompt)
}

// jsonQueue pops canned completion responses in submission order. Tests
// run with Concurrency 1 so the order is deterministic.
type jsonQueue struct {
	mu        sync.Mutex
	responses []string
}

func (q *jsonQueue) next(string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.responses) == 0 {
		return "{}", nil
	}
	res := q.responses[0]
	q.responses = q.responses[1:]
	return res, nil
}

func newTestSession(p llm.Provider) *router.Session {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	rt := router.New(p, nil, router.Config{MaxRetries: 1, BaseDelay: time.Millisecond}, log)
	return rt.NewSession(types.TierPro)
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Put(_ context.Context, ref string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[ref] = data
	return nil
}

func (s *memStore) Get(_ context.Context, ref string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return io.NopCloser(bytes.NewReader(s.objects[ref])), nil
}

func (s *memStore) SignedURL(_ context.Context, ref string, _ time.Duration) (string, error) {
	return "https://signed.example/" + ref, nil
}

func (s *memStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, ref)
	return nil
}

func testContext(p llm.Provider) *Context {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &Context{
		Job:         &types.ConversionJob{ID: uuid.New(), Tier: types.TierPro, Status: types.StatusProcessing},
		Session:     newTestSession(p),
		Store:       newMemStore(),
		Concurrency: 1,
		Log:         log.WithField("test", true),
	}
}
