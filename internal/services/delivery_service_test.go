package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	gateway "github.com/nimasrn/notifyhub-gateway/internal/gateways"
	"github.com/nimasrn/notifyhub-gateway/internal/model"
	"github.com/nimasrn/notifyhub-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(ctx context.Context, msg *gateway.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockTransport) Name() string {
	return "mock"
}

type MockDeliveryRepository struct {
	mock.Mock
}

func (m *MockDeliveryRepository) Create(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, error) {
	args := m.Called(ctx, rec)
	if fn, ok := args.Get(0).(func(context.Context, *model.DeliveryRecord) (*model.DeliveryRecord, error)); ok {
		return fn(ctx, rec)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeliveryRecord), args.Error(1)
}

func (m *MockDeliveryRepository) Get(ctx context.Context, id uuid.UUID) (*model.DeliveryRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeliveryRecord), args.Error(1)
}

func (m *MockDeliveryRepository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	return m.Called(ctx, id, sentAt).Error(0)
}

func (m *MockDeliveryRepository) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return m.Called(ctx, id, msg).Error(0)
}

func (m *MockDeliveryRepository) BeginRetry(ctx context.Context, id uuid.UUID, now time.Time, maxAttempts int) error {
	return m.Called(ctx, id, now, maxAttempts).Error(0)
}

func (m *MockDeliveryRepository) Cancel(ctx context.Context, id uuid.UUID, tenant string) error {
	return m.Called(ctx, id, tenant).Error(0)
}

func (m *MockDeliveryRepository) List(ctx context.Context, f model.HistoryFilter) ([]*model.DeliveryRecord, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.DeliveryRecord), args.Get(1).(int64), args.Error(2)
}

func (m *MockDeliveryRepository) ListRetryable(ctx context.Context, maxAttempts int, olderThan time.Time, limit int) ([]*model.DeliveryRecord, error) {
	args := m.Called(ctx, maxAttempts, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.DeliveryRecord), args.Error(1)
}

func (m *MockDeliveryRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDeliveryRepository) Stats(ctx context.Context, tenant string, since *time.Time) (*model.StatusStats, error) {
	args := m.Called(ctx, tenant, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StatusStats), args.Error(1)
}

func (m *MockDeliveryRepository) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// countingTransport fails while err is set and counts calls.
type countingTransport struct {
	mu    sync.Mutex
	calls int32
	err   error
	hook  func(ctx context.Context, msg *gateway.Message) error
}

func (c *countingTransport) Send(ctx context.Context, msg *gateway.Message) error {
	atomic.AddInt32(&c.calls, 1)
	if c.hook != nil {
		return c.hook(ctx, msg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *countingTransport) Name() string { return "counting" }

func (c *countingTransport) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *countingTransport) count() int {
	return int(atomic.LoadInt32(&c.calls))
}

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type serviceFixture struct {
	svc       *DeliveryService
	repo      *repository.DeliveryRepository
	transport *countingTransport
	now       time.Time
}

func newFixture(t *testing.T, opts ...Option) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:      repository.NewTestRepository(t),
		transport: &countingTransport{},
		now:       testNow,
	}
	cfg := DefaultDeliveryConfig()
	cfg.SendTimeout = time.Second
	opts = append([]Option{WithNow(func() time.Time { return f.now })}, opts...)
	f.svc = NewDeliveryService(f.repo, f.transport, cfg, opts...)
	return f
}

func (f *serviceFixture) failedRecord(t *testing.T, tenant string) uuid.UUID {
	t.Helper()
	f.transport.setErr(&gateway.TransportError{Kind: gateway.KindConnectionFailed, Err: errors.New("connection refused")})
	defer f.transport.setErr(nil)
	out, err := f.svc.Send(context.Background(), validRequest(), tenant, SendMeta{RequestID: "req-1"})
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, out.Status)
	return out.ID
}

func TestDeliveryService_Send_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := validRequest()
	req.To = []string{" alice@example.com "}
	req.Bcc = []string{"audit@example.com"}
	out, err := f.svc.Send(ctx, req, "acme", SendMeta{RequestID: "abcd1234"})
	require.NoError(t, err)

	assert.Equal(t, model.StatusSent, out.Status)
	assert.Equal(t, "abcd1234", out.RequestID)
	assert.Empty(t, out.Error)
	assert.Equal(t, 1, f.transport.count())

	rec, err := f.repo.Get(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, rec.Status)
	require.NotNil(t, rec.SentAt)
	assert.True(t, rec.SentAt.Equal(testNow))
	assert.Equal(t, []string{"alice@example.com"}, rec.To)
	assert.Equal(t, []string{"audit@example.com"}, rec.Bcc)
	assert.Equal(t, "acme", rec.TenantID)
	assert.Equal(t, "abcd1234", rec.RequestID)
	assert.Nil(t, rec.ErrorMessage)
}

func TestDeliveryService_Send_PersistsBeforeTransport(t *testing.T) {
	f := newFixture(t)
	var seen model.DeliveryStatus = -1
	f.transport.hook = func(ctx context.Context, msg *gateway.Message) error {
		rec, err := f.repo.Get(context.Background(), uuid.MustParse(msg.MessageID))
		if err == nil {
			seen = rec.Status
		}
		return nil
	}

	_, err := f.svc.Send(context.Background(), validRequest(), "acme", SendMeta{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, seen)
}

func TestDeliveryService_Send_TransportFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.setErr(&gateway.TransportError{Kind: gateway.KindAuthFailed, Err: errors.New(strings.Repeat("x", 3000))})

	out, err := f.svc.Send(ctx, validRequest(), "acme", SendMeta{RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.NotEqual(t, uuid.Nil, out.ID)
	assert.NotEmpty(t, out.Error)

	rec, err := f.repo.Get(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, model.MaxErrorLength, len([]rune(*rec.ErrorMessage)))
	assert.Nil(t, rec.SentAt)
	assert.Equal(t, 0, rec.RetryCount)
}

func TestDeliveryService_Send_Timeout(t *testing.T) {
	repo := repository.NewTestRepository(t)
	tr := &countingTransport{hook: func(ctx context.Context, msg *gateway.Message) error {
		<-ctx.Done()
		return &gateway.TransportError{Kind: gateway.KindTimeout, Err: ctx.Err()}
	}}
	cfg := DefaultDeliveryConfig()
	cfg.SendTimeout = 50 * time.Millisecond
	svc := NewDeliveryService(repo, tr, cfg)

	start := time.Now()
	out, err := svc.Send(context.Background(), validRequest(), "acme", SendMeta{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Contains(t, out.Error, "timeout")
}

func TestDeliveryService_Send_ValidationCreatesNothing(t *testing.T) {
	repo := new(MockDeliveryRepository)
	tr := new(MockTransport)
	svc := NewDeliveryService(repo, tr, DefaultDeliveryConfig())

	req := validRequest()
	req.To = []string{"bad@@example.com"}
	out, err := svc.Send(context.Background(), req, "acme", SendMeta{})
	assert.Nil(t, out)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.InvalidAddress)

	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	tr.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestDeliveryService_Send_StoreError(t *testing.T) {
	repo := new(MockDeliveryRepository)
	tr := new(MockTransport)
	svc := NewDeliveryService(repo, tr, DefaultDeliveryConfig())

	repo.On("Create", mock.Anything, mock.AnythingOfType("*model.DeliveryRecord")).Return(nil, errors.New("db down"))

	out, err := svc.Send(context.Background(), validRequest(), "acme", SendMeta{})
	assert.Nil(t, out)
	assert.ErrorContains(t, err, "db down")
	tr.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestDeliveryService_Send_MessageFields(t *testing.T) {
	repo := new(MockDeliveryRepository)
	tr := new(MockTransport)
	svc := NewDeliveryService(repo, tr, DefaultDeliveryConfig())
	id := uuid.New()

	repo.On("Create", mock.Anything, mock.AnythingOfType("*model.DeliveryRecord")).
		Return(func(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, error) {
			cp := *rec
			cp.ID = id
			return &cp, nil
		})
	tr.On("Send", mock.Anything, mock.MatchedBy(func(m *gateway.Message) bool {
		return m.MessageID == id.String() && m.IsHTML && m.Priority == model.PriorityHigh &&
			len(m.Bcc) == 1 && m.Subject == "Welcome"
	})).Return(nil)
	repo.On("MarkSent", mock.Anything, id, mock.AnythingOfType("time.Time")).Return(nil)

	req := validRequest()
	req.IsHTML = true
	req.Priority = model.PriorityHigh
	req.Bcc = []string{"audit@example.com"}
	out, err := svc.Send(context.Background(), req, "acme", SendMeta{})
	require.NoError(t, err)
	assert.Equal(t, id, out.ID)
	tr.AssertExpectations(t)
	repo.AssertExpectations(t)
}

func TestDeliveryService_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("sent record is a successful no-op", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.svc.Send(ctx, validRequest(), "acme", SendMeta{})
		require.NoError(t, err)

		ok, err := f.svc.Retry(ctx, out.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, f.transport.count())
	})

	t.Run("missing record", func(t *testing.T) {
		f := newFixture(t)
		ok, err := f.svc.Retry(ctx, uuid.New())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("cancelled record", func(t *testing.T) {
		f := newFixture(t)
		id := f.failedRecord(t, "acme")
		require.NoError(t, f.svc.Cancel(ctx, id, "acme"))

		ok, err := f.svc.Retry(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, f.transport.count())
	})

	t.Run("failed record is delivered", func(t *testing.T) {
		f := newFixture(t)
		id := f.failedRecord(t, "acme")
		f.now = f.now.Add(10 * time.Minute)

		ok, err := f.svc.Retry(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		rec, err := f.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSent, rec.Status)
		assert.Equal(t, 1, rec.RetryCount)
		require.NotNil(t, rec.LastRetryAt)
		assert.True(t, rec.LastRetryAt.Equal(f.now))
		assert.Nil(t, rec.ErrorMessage)
	})

	t.Run("failing again keeps the record failed", func(t *testing.T) {
		f := newFixture(t)
		id := f.failedRecord(t, "acme")
		f.transport.setErr(errors.New("still down"))

		ok, err := f.svc.Retry(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)

		rec, err := f.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, rec.Status)
		assert.Equal(t, 1, rec.RetryCount)
		require.NotNil(t, rec.ErrorMessage)
		assert.Equal(t, "still down", *rec.ErrorMessage)
	})

	t.Run("exhausted record is not retried", func(t *testing.T) {
		f := newFixture(t)
		id := f.failedRecord(t, "acme")
		f.transport.setErr(errors.New("still down"))
		for i := 0; i < 3; i++ {
			ok, err := f.svc.Retry(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)
		}
		calls := f.transport.count()

		ok, err := f.svc.Retry(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, calls, f.transport.count())

		rec, err := f.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, rec.RetryCount)
	})
}

func TestDeliveryService_Retry_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.failedRecord(t, "acme")
	before := f.transport.count()

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.svc.Retry(ctx, id)
			assert.NoError(t, err)
			if ok {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	// late callers may observe the winner's Sent status and report success
	assert.Equal(t, before+1, f.transport.count())
	assert.GreaterOrEqual(t, succeeded.Load(), int32(1))

	rec, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, model.StatusSent, rec.Status)
}

func TestDeliveryService_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.failedRecord(t, "acme")

	_, err := f.svc.Status(ctx, id, "globex")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Status(ctx, uuid.New(), "acme")
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := f.svc.Status(ctx, id, "acme")
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)

	_, err = f.svc.RetryOwned(ctx, id, "globex")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, f.svc.Cancel(ctx, id, "globex"), ErrNotFound)

	ok, err := f.svc.RetryOwned(ctx, id, "acme")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeliveryService_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.failedRecord(t, "acme")
	require.NoError(t, f.svc.Cancel(ctx, id, "acme"))
	assert.ErrorIs(t, f.svc.Cancel(ctx, id, "acme"), ErrAlreadyFinal)

	out, err := f.svc.Send(ctx, validRequest(), "acme", SendMeta{})
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Cancel(ctx, out.ID, "acme"), ErrAlreadyFinal)
}

func TestDeliveryService_History(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Minute)
		_, err := f.svc.Send(ctx, validRequest(), "acme", SendMeta{})
		require.NoError(t, err)
	}
	f.failedRecord(t, "globex")

	items, total, err := f.svc.History(ctx, model.HistoryFilter{PageSize: 500, TenantID: "globex"}, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, items, 3)
	assert.True(t, items[0].CreatedAt.After(items[2].CreatedAt))
	for _, it := range items {
		assert.Equal(t, "acme", it.TenantID)
	}
}

func TestDeliveryService_History_Normalizes(t *testing.T) {
	repo := new(MockDeliveryRepository)
	svc := NewDeliveryService(repo, new(MockTransport), DefaultDeliveryConfig())

	repo.On("List", mock.Anything, model.HistoryFilter{TenantID: "acme", Page: 1, PageSize: 100}).
		Return([]*model.DeliveryRecord{}, int64(0), nil)

	_, _, err := svc.History(context.Background(), model.HistoryFilter{Page: -3, PageSize: 1000}, "acme")
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestDeliveryService_PendingRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.failedRecord(t, "acme")

	due, err := f.svc.PendingRetries(ctx, 50)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)

	f.transport.setErr(errors.New("down"))
	ok, err := f.svc.Retry(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	due, err = f.svc.PendingRetries(ctx, 50)
	require.NoError(t, err)
	assert.Empty(t, due, "retry delay has not elapsed")

	f.now = f.now.Add(5 * time.Minute)
	due, err = f.svc.PendingRetries(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestDeliveryService_CleanupExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.failedRecord(t, "acme")
	_, err := f.svc.Send(ctx, validRequest(), "acme", SendMeta{})
	require.NoError(t, err)

	f.now = f.now.Add(31 * 24 * time.Hour)
	recent := f.failedRecord(t, "acme")

	n, err := f.svc.CleanupExpired(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.repo.Get(ctx, old)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.repo.Get(ctx, recent)
	assert.NoError(t, err)
}

func TestDeliveryService_Stats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.failedRecord(t, "acme")
	_, err := f.svc.Send(ctx, validRequest(), "acme", SendMeta{})
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx, "acme", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus["Sent"])
	assert.Equal(t, int64(1), stats.ByStatus["Failed"])
	assert.Equal(t, int64(0), stats.ByStatus["Cancelled"])
	assert.True(t, stats.Generated.Equal(testNow))
}
