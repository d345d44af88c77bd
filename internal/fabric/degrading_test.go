package fabric

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeRemote is a loopback broker: Publish delivers synchronously to the
// listeners opened with Listen. Every method counts its calls.
type fakeRemote struct {
	mu        sync.Mutex
	kv        map[string][]byte
	listeners map[string]func([]byte)
	fail      bool
	pingErr   error

	gets, sets, dels, publishes, listens, unlistens, closes atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{kv: map[string][]byte{}, listeners: map[string]func([]byte){}}
}

var errConn = errors.New("connection refused")

// err mimics a network client: the caller's context is checked first.
func (f *fakeRemote) err(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errConn
	}
	return nil
}

func (f *fakeRemote) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeRemote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.gets.Add(1)
	if err := f.err(ctx); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *fakeRemote) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	f.sets.Add(1)
	if err := f.err(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.kv[key] = value
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Del(ctx context.Context, key string) error {
	f.dels.Add(1)
	if err := f.err(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.kv, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Publish(ctx context.Context, channel string, msg []byte) error {
	f.publishes.Add(1)
	if err := f.err(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	deliver := f.listeners[channel]
	f.mu.Unlock()
	if deliver != nil {
		deliver(msg)
	}
	return nil
}

func (f *fakeRemote) Listen(ctx context.Context, channel string, deliver func([]byte)) error {
	f.listens.Add(1)
	if err := f.err(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.listeners[channel] = deliver
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Unlisten(_ context.Context, channel string) error {
	f.unlistens.Add(1)
	f.mu.Lock()
	delete(f.listeners, channel)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Ping(context.Context) error { return f.pingErr }

func (f *fakeRemote) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeRemote) remoteCalls() int32 {
	return f.gets.Load() + f.sets.Load() + f.dels.Load() + f.publishes.Load() + f.listens.Load()
}

func TestDegrading_HealthyUsesRemote(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote()
	d := NewDegrading(ctx, r)

	if d.IsDegraded() {
		t.Fatal("should start healthy")
	}
	_ = d.Set(ctx, "k", []byte("v"), time.Hour)
	v, ok, err := d.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	if r.sets.Load() != 1 || r.gets.Load() != 1 {
		t.Fatalf("remote sets=%d gets=%d", r.sets.Load(), r.gets.Load())
	}

	var got atomic.Int32
	h := NewHandler(func(context.Context, string, []byte) error { got.Add(1); return nil })
	_ = d.Subscribe(ctx, "ch", h)
	_ = d.Publish(ctx, "ch", []byte("x"))
	if got.Load() != 1 {
		t.Fatalf("delivered %d, want 1", got.Load())
	}
	if r.publishes.Load() != 1 {
		t.Fatalf("remote publishes = %d", r.publishes.Load())
	}
}

func TestDegrading_SubscribeTwiceDeliversOnce(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote()
	d := NewDegrading(ctx, r)

	var got atomic.Int32
	h := NewHandler(func(context.Context, string, []byte) error { got.Add(1); return nil })
	_ = d.Subscribe(ctx, "ch", h)
	_ = d.Subscribe(ctx, "ch", h)
	_ = d.Publish(ctx, "ch", []byte("x"))

	if got.Load() != 1 {
		t.Fatalf("delivered %d, want 1", got.Load())
	}
	if r.listens.Load() != 1 {
		t.Fatalf("remote listens = %d, want 1", r.listens.Load())
	}
}

func TestDegrading_LastUnsubscribeTearsDownRemote(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote()
	d := NewDegrading(ctx, r)

	a := NewHandler(func(context.Context, string, []byte) error { return nil })
	b := NewHandler(func(context.Context, string, []byte) error { return nil })
	_ = d.Subscribe(ctx, "ch", a)
	_ = d.Subscribe(ctx, "ch", b)
	_ = d.Unsubscribe(ctx, "ch", a)
	if r.unlistens.Load() != 0 {
		t.Fatal("remote subscription closed while a handler remains")
	}
	_ = d.Unsubscribe(ctx, "ch", b)
	if r.unlistens.Load() != 1 {
		t.Fatalf("unlistens = %d, want 1", r.unlistens.Load())
	}

	// A new subscriber opens a fresh remote subscription.
	_ = d.Subscribe(ctx, "ch", a)
	if r.listens.Load() != 2 {
		t.Fatalf("listens = %d, want 2", r.listens.Load())
	}
}

func TestDegrading_StickyAfterFailure(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote()
	d := NewDegrading(ctx, r)

	var got atomic.Int32
	h := NewHandler(func(context.Context, string, []byte) error { got.Add(1); return nil })
	_ = d.Subscribe(ctx, "ch", h)

	r.setFail(true)
	if err := d.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set should fall back silently: %v", err)
	}
	if !d.IsDegraded() {
		t.Fatal("expected degraded after remote failure")
	}
	if r.closes.Load() != 1 {
		t.Fatalf("remote closes = %d, want 1", r.closes.Load())
	}
	before := r.remoteCalls()

	// The backend recovers, but the fabric stays local.
	r.setFail(false)
	v, ok, err := d.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("local Get = %q, %v, %v", v, ok, err)
	}
	_ = d.Set(ctx, "k2", []byte("v2"), 0)
	_ = d.Del(ctx, "k2")
	_ = d.Publish(ctx, "ch", []byte("x"))
	_ = d.Subscribe(ctx, "other", h)

	if after := r.remoteCalls(); after != before {
		t.Fatalf("remote called %d more times after degradation", after-before)
	}
	// Handler registered before the switch still receives in-process messages.
	if got.Load() != 1 {
		t.Fatalf("delivered %d, want 1", got.Load())
	}
}

func TestDegrading_PublishFailureDeliversLocally(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote()
	d := NewDegrading(ctx, r)

	var got []byte
	_ = d.Subscribe(ctx, "ch", NewHandler(func(_ context.Context, _ string, msg []byte) error {
		got = msg
		return nil
	}))
	r.setFail(true)
	if err := d.Publish(ctx, "ch", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestDegrading_SubscribeFailureKeepsLocalHandler(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote()
	r.setFail(true)
	d := NewDegrading(ctx, r)

	var got atomic.Int32
	h := NewHandler(func(context.Context, string, []byte) error { got.Add(1); return nil })
	if err := d.Subscribe(ctx, "ch", h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !d.IsDegraded() {
		t.Fatal("expected degraded after listen failure")
	}
	_ = d.Publish(ctx, "ch", nil)
	if got.Load() != 1 {
		t.Fatalf("delivered %d, want 1", got.Load())
	}
}

func TestDegrading_PingFailureStartsDegraded(t *testing.T) {
	r := newFakeRemote()
	r.pingErr = errConn
	d := NewDegrading(context.Background(), r)
	if !d.IsDegraded() {
		t.Fatal("expected degraded when ping fails")
	}
	_ = d.Set(context.Background(), "k", nil, 0)
	if r.sets.Load() != 0 {
		t.Fatal("remote used after failed ping")
	}
}

func TestDegrading_NilRemote(t *testing.T) {
	ctx := context.Background()
	d := NewDegrading(ctx, nil)
	if !d.IsDegraded() {
		t.Fatal("nil remote must start degraded")
	}
	_ = d.Set(ctx, "k", []byte("v"), 0)
	if v, ok, _ := d.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDegrading_CallerCancellationDoesNotDegrade(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()

	h := NewHandler(func(context.Context, string, []byte) error { return nil })
	tests := []struct {
		name string
		op   func(d *Degrading, ctx context.Context) error
	}{
		{"get", func(d *Degrading, ctx context.Context) error { _, _, err := d.Get(ctx, "k"); return err }},
		{"set", func(d *Degrading, ctx context.Context) error { return d.Set(ctx, "k", []byte("v"), time.Minute) }},
		{"del", func(d *Degrading, ctx context.Context) error { return d.Del(ctx, "k") }},
		{"publish", func(d *Degrading, ctx context.Context) error { return d.Publish(ctx, "ch", []byte("m")) }},
		{"subscribe", func(d *Degrading, ctx context.Context) error { return d.Subscribe(ctx, "ch", h) }},
	}
	for _, tt := range tests {
		for ctxName, ctx := range map[string]context.Context{"canceled": canceled, "deadline": expired} {
			t.Run(tt.name+"/"+ctxName, func(t *testing.T) {
				r := newFakeRemote()
				d := NewDegrading(context.Background(), r)

				err := tt.op(d, ctx)
				if !errors.Is(err, ctx.Err()) {
					t.Errorf("err = %v, want %v", err, ctx.Err())
				}
				if d.IsDegraded() {
					t.Fatal("caller cancellation degraded the fabric")
				}
				if n := r.closes.Load(); n != 0 {
					t.Errorf("remote closed %d times", n)
				}
				if d.local.Subscribers("ch") != 0 {
					t.Error("handler left registered after a failed subscribe")
				}

				// The remote keeps serving later calls.
				if err := d.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
					t.Fatalf("Set: %v", err)
				}
				if r.sets.Load() == 0 {
					t.Error("later Set did not reach the remote")
				}
			})
		}
	}
}
