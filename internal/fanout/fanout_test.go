package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRunCollectsAllOutcomesInOrder(t *testing.T) {
	t.Parallel()

	instances := []string{"a", "b", "c"}
	outcomes := Run(context.Background(), instances, func(ctx context.Context, instance string) (string, error) {
		if instance == "b" {
			return "", errors.New("boom")
		}
		return instance + "-ok", nil
	})

	if len(outcomes) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(outcomes))
	}
	if outcomes[0].Instance != "a" || outcomes[0].Value != "a-ok" || outcomes[0].Err != nil {
		t.Errorf("outcomes[0] = %+v", outcomes[0])
	}
	if outcomes[1].Instance != "b" || outcomes[1].Err == nil {
		t.Errorf("outcomes[1] = %+v, want error", outcomes[1])
	}
	// Crucially: instance "c" still ran despite "b" failing.
	if outcomes[2].Instance != "c" || outcomes[2].Value != "c-ok" || outcomes[2].Err != nil {
		t.Errorf("outcomes[2] = %+v, want c to still have run", outcomes[2])
	}
}

func TestFirstErr(t *testing.T) {
	t.Parallel()

	errB := errors.New("b failed")
	outcomes := []Outcome[int]{
		{Instance: "a", Value: 1},
		{Instance: "b", Err: errB},
		{Instance: "c", Err: errors.New("c failed")},
	}
	if got := FirstErr(outcomes); got != errB {
		t.Errorf("FirstErr = %v, want %v", got, errB)
	}
	if got := FirstErr([]Outcome[int]{{Value: 1}}); got != nil {
		t.Errorf("FirstErr of all-success = %v, want nil", got)
	}
}

func TestSucceeded(t *testing.T) {
	t.Parallel()

	outcomes := []Outcome[int]{
		{Instance: "a", Value: 1},
		{Instance: "b", Err: errors.New("fail")},
		{Instance: "c", Value: 3},
	}
	ok := Succeeded(outcomes)
	if len(ok) != 2 {
		t.Fatalf("len(Succeeded) = %d, want 2", len(ok))
	}
	if ok[0].Instance != "a" || ok[1].Instance != "c" {
		t.Errorf("Succeeded = %+v", ok)
	}
}

func TestRunSubsetReplaysOnlyGivenInstances(t *testing.T) {
	t.Parallel()

	args := map[string]int{"a": 10, "c": 30}
	var calledMu countingCalls
	outcomes := RunSubset(context.Background(), args, func(ctx context.Context, instance string, arg int) (int, error) {
		calledMu.add(instance)
		return arg * 2, nil
	})
	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(outcomes))
	}
	sum := 0
	for _, o := range outcomes {
		sum += o.Value
	}
	if sum != 80 {
		t.Errorf("sum of outcomes = %d, want 80", sum)
	}
	if calledMu.count() != 2 {
		t.Errorf("called %d instances, want 2", calledMu.count())
	}
}

type countingCalls struct {
	mu    sync.Mutex
	names []string
}

func (c *countingCalls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *countingCalls) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.names)
}
