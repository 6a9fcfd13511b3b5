package nvcc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cubit/internal/device"
	"cubit/internal/nvcc"
)

type funcCompiler func(context.Context, nvcc.Request) ([]byte, error)

func (f funcCompiler) Compile(ctx context.Context, req nvcc.Request) ([]byte, error) {
	return f(ctx, req)
}

func TestTask_ManyWaitersOneOutcome(t *testing.T) {
	release := make(chan struct{})
	comp := funcCompiler(func(context.Context, nvcc.Request) ([]byte, error) {
		<-release
		return []byte("bin"), nil
	})
	task := nvcc.Launch(comp, nvcc.Request{Entry: "k"}, nil)

	if task.Done() {
		t.Fatal("task finished before the compiler ran")
	}

	const waiters = 8
	var wg sync.WaitGroup
	results := make([][]byte, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bin, err := task.Wait(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			results[i] = bin
		}(i)
	}
	close(release)
	wg.Wait()

	for i, bin := range results {
		if string(bin) != "bin" {
			t.Fatalf("waiter %d saw %q", i, bin)
		}
	}
	if !task.Done() {
		t.Fatal("task should report done")
	}
}

func TestTask_FailureBroadcast(t *testing.T) {
	boom := errors.New("boom")
	comp := funcCompiler(func(context.Context, nvcc.Request) ([]byte, error) {
		return nil, boom
	})
	task := nvcc.Launch(comp, nvcc.Request{Entry: "k"}, nil)

	for i := 0; i < 4; i++ {
		if _, err := task.Wait(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("waiter %d: got %v, want boom", i, err)
		}
	}
}

func TestTask_WaitHonorsContext(t *testing.T) {
	comp := funcCompiler(func(context.Context, nvcc.Request) ([]byte, error) {
		time.Sleep(5 * time.Second)
		return nil, nil
	})
	task := nvcc.Launch(comp, nvcc.Request{Entry: "k"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := task.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestTask_Completed(t *testing.T) {
	task := nvcc.Completed([]byte("seeded"))
	if !task.Done() {
		t.Fatal("completed task must be done")
	}
	bin, err := task.Wait(context.Background())
	if err != nil || string(bin) != "seeded" {
		t.Fatalf("got (%q, %v)", bin, err)
	}
}

func TestExternal_Flags(t *testing.T) {
	e := &nvcc.External{}
	req := nvcc.Request{Cap: device.Capability{Major: 3, Minor: 5}}

	flags := e.Flags(req)
	assertContains(t, flags, "--cubin")
	assertContains(t, flags, "-arch=sm_35")
	assertContains(t, flags, "-std=c++11")
	assertContains(t, flags, "-O3")
	assertNotContains(t, flags, "-G")
	assertNotContains(t, flags, "-w")

	req.Debug = true
	e.SuppressWarnings = true
	flags = e.Flags(req)
	assertContains(t, flags, "-G")
	assertContains(t, flags, "-lineinfo")
	assertContains(t, flags, "-w")
	assertNotContains(t, flags, "-O3")
}

func assertContains(t *testing.T, flags []string, want string) {
	t.Helper()
	for _, f := range flags {
		if f == want {
			return
		}
	}
	t.Fatalf("flags %v missing %q", flags, want)
}

func assertNotContains(t *testing.T, flags []string, reject string) {
	t.Helper()
	for _, f := range flags {
		if f == reject {
			t.Fatalf("flags %v must not carry %q", flags, reject)
		}
	}
}
