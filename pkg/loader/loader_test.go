package loader

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeBootstrap struct {
	local     bool
	asyncCall func(cb AsyncCallback)

	localCalls atomic.Int32
	asyncCalls atomic.Int32
}

func (f *fakeBootstrap) InitLocal() bool {
	f.localCalls.Add(1)
	return f.local
}

func (f *fakeBootstrap) InitAsync(_ string, cb AsyncCallback) {
	f.asyncCalls.Add(1)
	if f.asyncCall != nil {
		f.asyncCall(cb)
	}
}

type sink struct {
	mu      sync.Mutex
	results []Result
	ch      chan Result
}

func newSink() *sink { return &sink{ch: make(chan Result, 4)} }

func (s *sink) add(r Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
	s.ch <- r
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func TestLoader_LocalSuccess(t *testing.T) {
	boot := &fakeBootstrap{local: true}
	s := newSink()
	l := New(boot, "4", s.add, nil)

	l.Start()
	l.Start()

	if r := <-s.ch; r != Ready {
		t.Errorf("result: got %v, want ready", r)
	}
	if s.count() != 1 {
		t.Errorf("results emitted: got %d, want 1", s.count())
	}
	if boot.asyncCalls.Load() != 0 {
		t.Error("async path used after local success")
	}
	if boot.localCalls.Load() != 1 {
		t.Errorf("InitLocal calls: got %d, want 1", boot.localCalls.Load())
	}
}

func TestLoader_AsyncFallback(t *testing.T) {
	tests := []struct {
		name string
		call func(cb AsyncCallback)
		want Result
	}{
		{"success", func(cb AsyncCallback) { go cb.OnSuccess(StatusSuccess) }, Ready},
		{"bad status", func(cb AsyncCallback) { go cb.OnSuccess(StatusIncompatibleVersion) }, Failed},
		{"failure", func(cb AsyncCallback) { go cb.OnFailure(errors.New("no library")) }, Failed},
		{"panic", func(cb AsyncCallback) { panic("dlopen exploded") }, Failed},
		{"double report", func(cb AsyncCallback) {
			go func() {
				cb.OnSuccess(StatusSuccess)
				cb.OnFailure(errors.New("late"))
			}()
		}, Ready},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSink()
			l := New(&fakeBootstrap{asyncCall: tt.call}, "4", s.add, nil)
			l.Start()

			select {
			case r := <-s.ch:
				if r != tt.want {
					t.Errorf("result: got %v, want %v", r, tt.want)
				}
			case <-time.After(time.Second):
				t.Fatal("no result")
			}

			// any late reports must not produce a second result
			time.Sleep(20 * time.Millisecond)
			if s.count() != 1 {
				t.Errorf("results emitted: got %d, want 1", s.count())
			}
			if l.Result() != tt.want {
				t.Errorf("Result(): got %v, want %v", l.Result(), tt.want)
			}
		})
	}
}

func TestLoader_StartAfterResultIsNoop(t *testing.T) {
	s := newSink()
	boot := &fakeBootstrap{asyncCall: func(cb AsyncCallback) { cb.OnFailure(errors.New("missing")) }}
	l := New(boot, "4", s.add, nil)

	l.Start()
	<-s.ch
	l.Start()

	if boot.asyncCalls.Load() != 1 || s.count() != 1 {
		t.Errorf("second Start re-ran bootstrap: async=%d results=%d", boot.asyncCalls.Load(), s.count())
	}
}

func TestLoader_StartTwiceWhileAsyncPending(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	boot := &fakeBootstrap{asyncCall: func(cb AsyncCallback) {
		close(entered)
		<-release
		cb.OnSuccess(StatusSuccess)
	}}
	s := newSink()
	l := New(boot, "4", s.add, nil)

	go l.Start()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("InitAsync not reached")
	}

	l.Start()
	if r := l.Result(); r != Pending {
		t.Errorf("result before release: got %v, want pending", r)
	}
	close(release)

	select {
	case r := <-s.ch:
		if r != Ready {
			t.Errorf("result: got %v, want ready", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
	time.Sleep(20 * time.Millisecond)
	if n := boot.asyncCalls.Load(); n != 1 {
		t.Errorf("InitAsync calls: got %d, want 1", n)
	}
	if n := boot.localCalls.Load(); n != 1 {
		t.Errorf("InitLocal calls: got %d, want 1", n)
	}
	if s.count() != 1 {
		t.Errorf("results emitted: got %d, want 1", s.count())
	}
}

func TestLoader_PendingBeforeStart(t *testing.T) {
	l := New(&fakeBootstrap{}, "4", nil, nil)
	if l.Result() != Pending {
		t.Errorf("Result(): got %v, want pending", l.Result())
	}
}

func TestGoCVBootstrap(t *testing.T) {
	boot := GoCV{Major: "4"}
	if !boot.InitLocal() {
		t.Skip("linked OpenCV is not 4.x")
	}

	done := make(chan int, 1)
	boot.InitAsync("4", AsyncCallback{
		OnSuccess: func(status int) { done <- status },
		OnFailure: func(err error) { t.Errorf("self-test failed: %v", err); done <- -1 },
	})
	select {
	case status := <-done:
		if status != StatusSuccess {
			t.Errorf("status: got %d, want %d", status, StatusSuccess)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("InitAsync did not report")
	}
}
