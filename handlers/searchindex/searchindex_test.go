package searchindex

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	queue "github.com/DoNewsCode/jobboard-queue"
	"github.com/DoNewsCode/jobboard-queue/jobs"
)

type memoryStore struct {
	mu   sync.Mutex
	docs map[string]Document
	err  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{docs: make(map[string]Document)}
}

func (m *memoryStore) Upsert(ctx context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.docs, id)
	return nil
}

func (m *memoryStore) get(id string) (Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	return doc, ok
}

func TestNewDocument(t *testing.T) {
	published := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	salary := int64(50000)
	doc := NewDocument(jobs.JobPosting{
		ID:             42,
		Title:          "Gopher",
		OrganizationID: 7,
		SalaryMin:      &salary,
		Tags:           []string{"go"},
		PublishedAt:    published,
	})
	assert.Equal(t, "42", doc.ID)
	assert.Equal(t, "7", doc.OrganizationID)
	assert.Equal(t, published.Unix(), doc.PublishedAt)
	assert.Zero(t, doc.UpdatedAt)
	assert.Equal(t, &salary, doc.SalaryMin)
	assert.Nil(t, doc.SalaryMax)
}

func TestHandler_Process(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	h := New(store, nil)

	err := h.Process(ctx, &queue.Job{Name: jobs.IndexJob, Payload: json.RawMessage(`{"id":42,"title":"Gopher"}`)}, nil)
	require.NoError(t, err)
	doc, ok := store.get("42")
	require.True(t, ok)
	assert.Equal(t, "Gopher", doc.Title)

	err = h.Process(ctx, &queue.Job{Name: jobs.UpdateJobIndex, Payload: json.RawMessage(`{"id":42,"title":"Senior Gopher"}`)}, nil)
	require.NoError(t, err)
	doc, _ = store.get("42")
	assert.Equal(t, "Senior Gopher", doc.Title)

	err = h.Process(ctx, &queue.Job{Name: jobs.DeleteJobIndex, Payload: json.RawMessage(`{"id":42}`)}, nil)
	require.NoError(t, err)
	_, ok = store.get("42")
	assert.False(t, ok)

	// deleting twice is fine
	err = h.Process(ctx, &queue.Job{Name: jobs.DeleteJobIndex, Payload: json.RawMessage(`{"id":42}`)}, nil)
	assert.NoError(t, err)
}

func TestHandler_Process_errors(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	h := New(store, nil)

	cases := []struct {
		name      string
		job       *queue.Job
		permanent bool
	}{
		{"malformed payload", &queue.Job{Name: jobs.IndexJob, Payload: json.RawMessage(`{"id":"forty-two"`)}, true},
		{"empty payload", &queue.Job{Name: jobs.IndexJob}, true},
		{"missing id", &queue.Job{Name: jobs.DeleteJobIndex, Payload: json.RawMessage(`{}`)}, true},
		{"foreign job", &queue.Job{Name: jobs.SendPasswordReset, Payload: json.RawMessage(`{}`)}, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			err := h.Process(ctx, c.job, nil)
			require.Error(t, err)
			assert.Equal(t, c.permanent, queue.IsPermanent(err))
		})
	}

	store.err = errors.New("engine down")
	err := h.Process(ctx, &queue.Job{Name: jobs.IndexJob, Payload: json.RawMessage(`{"id":1,"title":"x"}`)}, nil)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestHandler_throughQueue(t *testing.T) {
	store := newMemoryStore()
	q := queue.NewQueue(jobs.QueueSearchIndex, queue.NewInProcessDriver(queue.WithPopTimeout(10*time.Millisecond)),
		queue.UseJobNames(jobs.Vocabulary[jobs.QueueSearchIndex]...))
	New(store, nil).Register(q)

	done := make(chan struct{}, 1)
	q.On(queue.Listen([]queue.Event{queue.EventCompleted}, func(ctx context.Context, event queue.Event, payload queue.EventPayload) error {
		done <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := q.Push(ctx, jobs.IndexJob, jobs.JobPosting{ID: 42, Title: "Gopher"})
	require.NoError(t, err)

	go q.Consume(ctx)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	_, ok := store.get("42")
	assert.True(t, ok)
}

func TestHTTPStore(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
		body     []Document
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		requests = append(requests, r.Method+" "+r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost:
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, &body)
			w.WriteHeader(http.StatusAccepted)
		case r.URL.Path == "/indexes/jobs/documents/404":
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/indexes/jobs/documents/500":
			w.WriteHeader(http.StatusServiceUnavailable)
		case r.URL.Path == "/indexes/jobs/documents/400":
			w.WriteHeader(http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewHTTPStore(srv.URL+"/", "jobs", "secret")

	require.NoError(t, store.Upsert(ctx, Document{ID: "42", Title: "Gopher"}))
	mu.Lock()
	require.Len(t, body, 1)
	assert.Equal(t, "42", body[0].ID)
	mu.Unlock()

	assert.NoError(t, store.Delete(ctx, "42"))
	assert.NoError(t, store.Delete(ctx, "404"))

	err := store.Delete(ctx, "500")
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))

	err = store.Delete(ctx, "400")
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /indexes/jobs/documents",
		"DELETE /indexes/jobs/documents/42",
		"DELETE /indexes/jobs/documents/404",
		"DELETE /indexes/jobs/documents/500",
		"DELETE /indexes/jobs/documents/400",
	}, requests)
}
