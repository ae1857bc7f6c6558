package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brunodmn/notazap/internal/circuitbreaker"
	"github.com/brunodmn/notazap/internal/db"
	"github.com/brunodmn/notazap/internal/gateway"
	"github.com/brunodmn/notazap/internal/pacing"
	"github.com/brunodmn/notazap/internal/policy"
)

type terminalCall struct {
	id       uuid.UUID
	attempts int
	next     time.Time
	code     string
	msg      string
}

// fakeRepo is an in-memory dispatch queue. Claims pop under a mutex, so
// no record can be handed to two workers.
type fakeRepo struct {
	mu       sync.Mutex
	queue    []*db.MessageDispatch
	sent     map[uuid.UUID]int
	retries  []terminalCall
	dead     []terminalCall
	releases []terminalCall
}

func newFakeRepo(records ...*db.MessageDispatch) *fakeRepo {
	return &fakeRepo{
		queue: records,
		sent:  make(map[uuid.UUID]int),
	}
}

func (f *fakeRepo) ClaimNext(ctx context.Context, lease time.Duration) (*db.MessageDispatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	d := f.queue[0]
	f.queue = f.queue[1:]
	d.Status = db.DispatchSending
	return d, nil
}

func (f *fakeRepo) MarkSent(ctx context.Context, id uuid.UUID, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = attempts
	return nil
}

func (f *fakeRepo) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, code, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, terminalCall{id: id, attempts: attempts, next: next, code: code, msg: msg})
	return nil
}

func (f *fakeRepo) MarkDead(ctx context.Context, id uuid.UUID, attempts int, code, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = append(f.dead, terminalCall{id: id, attempts: attempts, code: code, msg: msg})
	return nil
}

func (f *fakeRepo) Release(ctx context.Context, id uuid.UUID, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, terminalCall{id: id, next: next})
	return nil
}

func (f *fakeRepo) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeResolver struct {
	pol *db.RateLimitPolicy
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, target policy.Target) (*db.RateLimitPolicy, error) {
	return f.pol, f.err
}

type fakePacer struct {
	decision pacing.Decision
	err      error
}

func (f *fakePacer) Admit(ctx context.Context, key string, pol *db.RateLimitPolicy) (pacing.Decision, error) {
	return f.decision, f.err
}

type fakeSender struct {
	mu       sync.Mutex
	err      error
	calls    int
	perPhone map[string]int
}

func (f *fakeSender) SendMessage(ctx context.Context, instance, phone, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.perPhone == nil {
		f.perPhone = make(map[string]int)
	}
	f.perPhone[phone]++
	if f.err != nil {
		return "", f.err
	}
	return "dlv-" + phone, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testDispatch(attempts, maxAttempts int) *db.MessageDispatch {
	return &db.MessageDispatch{
		ID:           uuid.New(),
		CompanyID:    uuid.New(),
		InstanceName: "wa-01",
		ToPhoneE164:  "+5511999990000",
		Intent:       "invoice_notification",
		Content:      "sua nota chegou",
		Status:       db.DispatchSending,
		Attempts:     attempts,
		MaxAttempts:  maxAttempts,
		CreatedAt:    time.Now(),
	}
}

func testWorkerPolicy() *db.RateLimitPolicy {
	return &db.RateLimitPolicy{
		Scope:        db.ScopeGlobal,
		MaxPerMinute: 60,
		Burst:        10,
	}
}

func newTestPool(repo Repository, resolver Resolver, pacer pacing.Pacer, sender gateway.Sender) *Pool {
	return New(repo, resolver, pacer, sender, Config{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  10 * time.Millisecond,
		BackoffCap:   time.Second,
	}, zap.NewNop())
}

func TestProcess_SuccessMarksSent(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	pool := newTestPool(repo, &fakeResolver{pol: testWorkerPolicy()},
		&fakePacer{decision: pacing.Decision{Allowed: true}}, sender)

	d := testDispatch(0, 3)
	pool.process(context.Background(), zap.NewNop(), d)

	if repo.sent[d.ID] != 1 {
		t.Fatalf("expected dispatch marked sent once, got %d", repo.sent[d.ID])
	}
	if len(repo.retries) != 0 || len(repo.dead) != 0 || len(repo.releases) != 0 {
		t.Errorf("expected no other transitions: retries=%d dead=%d releases=%d",
			len(repo.retries), len(repo.dead), len(repo.releases))
	}
}

func TestProcess_TransientFailureSchedulesRetry(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{err: &gateway.Error{StatusCode: 503, Message: "gateway overloaded"}}
	pool := newTestPool(repo, &fakeResolver{pol: testWorkerPolicy()},
		&fakePacer{decision: pacing.Decision{Allowed: true}}, sender)

	d := testDispatch(0, 3)
	before := time.Now()
	pool.process(context.Background(), zap.NewNop(), d)

	if len(repo.retries) != 1 {
		t.Fatalf("expected one retry transition, got %d", len(repo.retries))
	}
	r := repo.retries[0]
	if r.attempts != 1 {
		t.Errorf("expected attempts=1 after first failure, got %d", r.attempts)
	}
	if r.code != "http_503" {
		t.Errorf("expected error code http_503, got %q", r.code)
	}
	if !r.next.After(before) {
		t.Errorf("next attempt %v should be in the future", r.next)
	}
	if len(repo.dead) != 0 {
		t.Error("transient failure below max attempts must not dead-letter")
	}
}

func TestProcess_ExhaustedBudgetDeadLetters(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{err: &gateway.Error{StatusCode: 503, Message: "still down"}}
	pool := newTestPool(repo, &fakeResolver{pol: testWorkerPolicy()},
		&fakePacer{decision: pacing.Decision{Allowed: true}}, sender)

	// Two attempts already consumed; this one is the last.
	d := testDispatch(2, 3)
	pool.process(context.Background(), zap.NewNop(), d)

	if len(repo.dead) != 1 {
		t.Fatalf("expected dead-letter, got dead=%d retries=%d", len(repo.dead), len(repo.retries))
	}
	if repo.dead[0].attempts != 3 {
		t.Errorf("expected attempts=3 at dead-letter, got %d", repo.dead[0].attempts)
	}
}

func TestProcess_PermanentErrorDeadLettersImmediately(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{err: &gateway.Error{StatusCode: 422, Code: gateway.CodeInvalidPhone, Message: "not a whatsapp number"}}
	pool := newTestPool(repo, &fakeResolver{pol: testWorkerPolicy()},
		&fakePacer{decision: pacing.Decision{Allowed: true}}, sender)

	d := testDispatch(0, 3)
	pool.process(context.Background(), zap.NewNop(), d)

	if len(repo.dead) != 1 {
		t.Fatalf("expected immediate dead-letter, got dead=%d retries=%d", len(repo.dead), len(repo.retries))
	}
	if repo.dead[0].attempts != 1 {
		t.Errorf("expected attempts=1, got %d", repo.dead[0].attempts)
	}
	if repo.dead[0].code != gateway.CodeInvalidPhone {
		t.Errorf("expected code %s, got %q", gateway.CodeInvalidPhone, repo.dead[0].code)
	}
}

func TestProcess_NoPolicyFailsClosed(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	pool := newTestPool(repo, &fakeResolver{err: policy.ErrNoActivePolicy},
		&fakePacer{decision: pacing.Decision{Allowed: true}}, sender)

	d := testDispatch(0, 3)
	pool.process(context.Background(), zap.NewNop(), d)

	if sender.callCount() != 0 {
		t.Fatal("no send may happen without an active policy")
	}
	if len(repo.releases) != 1 {
		t.Fatalf("expected record parked via release, got %d releases", len(repo.releases))
	}
	if len(repo.retries) != 0 || len(repo.dead) != 0 {
		t.Error("parking must not consume the retry budget")
	}
}

func TestProcess_PacerDenialParksRecord(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	pool := newTestPool(repo, &fakeResolver{pol: testWorkerPolicy()},
		&fakePacer{decision: pacing.Decision{Allowed: false, RetryAfter: 5 * time.Second}}, sender)

	d := testDispatch(0, 3)
	before := time.Now()
	pool.process(context.Background(), zap.NewNop(), d)

	if sender.callCount() != 0 {
		t.Fatal("denied send must not reach the gateway")
	}
	if len(repo.releases) != 1 {
		t.Fatalf("expected one release, got %d", len(repo.releases))
	}
	if repo.releases[0].next.Before(before.Add(4 * time.Second)) {
		t.Errorf("release should honor retry-after, next=%v", repo.releases[0].next)
	}
}

func TestProcess_CircuitOpenPreservesBudget(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{err: fmt.Errorf("%w: whatsapp-gateway unavailable", circuitbreaker.ErrCircuitOpen)}
	pool := newTestPool(repo, &fakeResolver{pol: testWorkerPolicy()},
		&fakePacer{decision: pacing.Decision{Allowed: true}}, sender)

	d := testDispatch(0, 3)
	pool.process(context.Background(), zap.NewNop(), d)

	if len(repo.releases) != 1 {
		t.Fatalf("expected release while circuit is open, got %d", len(repo.releases))
	}
	if len(repo.retries) != 0 || len(repo.dead) != 0 {
		t.Error("a fail-fast rejection must not consume the retry budget")
	}
}

func TestPool_DrainsQueueExactlyOnce(t *testing.T) {
	var records []*db.MessageDispatch
	for i := 0; i < 12; i++ {
		d := testDispatch(0, 3)
		d.ToPhoneE164 = fmt.Sprintf("+55119999900%02d", i)
		d.Status = db.DispatchQueued
		records = append(records, d)
	}

	repo := newFakeRepo(records...)
	sender := &fakeSender{}
	pool := New(repo, &fakeResolver{pol: testWorkerPolicy()},
		&fakePacer{decision: pacing.Decision{Allowed: true}}, sender, Config{
			Workers:      4,
			PollInterval: 5 * time.Millisecond,
		}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	deadline := time.After(3 * time.Second)
	for repo.sentCount() < len(records) {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("pool drained only %d of %d dispatches", repo.sentCount(), len(records))
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for phone, n := range sender.perPhone {
		if n != 1 {
			t.Errorf("dispatch to %s sent %d times, want exactly once", phone, n)
		}
	}
	if len(sender.perPhone) != len(records) {
		t.Errorf("expected %d distinct sends, got %d", len(records), len(sender.perPhone))
	}
}
