package lti_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/classware/launchgate/internal/lti"
)

func TestIssueGeneratesUniqueTokens(t *testing.T) {
	s := lti.NewMemoryStateStore(0)
	ctx := context.Background()

	seenState := make(map[string]bool, 10000)
	seenNonce := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		st, err := s.Issue(ctx, "https://lms.example.com", "c1", "https://tool.example.com/launch")
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
		if len(st.State) < 43 || len(st.Nonce) < 43 {
			t.Fatalf("issue %d: tokens too short: state=%d nonce=%d", i, len(st.State), len(st.Nonce))
		}
		if seenState[st.State] {
			t.Fatalf("issue %d: state collision", i)
		}
		if seenNonce[st.Nonce] {
			t.Fatalf("issue %d: nonce collision", i)
		}
		seenState[st.State] = true
		seenNonce[st.Nonce] = true
	}
}

func TestConsumeLifecycle(t *testing.T) {
	s := lti.NewMemoryStateStore(0)
	ctx := context.Background()

	st, err := s.Issue(ctx, "https://lms.example.com", "c1", "https://tool.example.com/launch")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, err := s.Consume(ctx, st.State, st.Nonce)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Issuer != st.Issuer || got.ClientID != "c1" || got.TargetLinkURI != st.TargetLinkURI {
		t.Fatalf("consumed record does not match issued: %+v vs %+v", got, st)
	}
	if !got.Consumed {
		t.Fatal("consumed record should be marked consumed")
	}

	// Replay is rejected, not re-served.
	if _, err := s.Consume(ctx, st.State, st.Nonce); !errors.Is(err, lti.ErrStateNotFound) {
		t.Fatalf("second consume: want StateNotFound, got %v", err)
	}
}

func TestConsumeUnknownState(t *testing.T) {
	s := lti.NewMemoryStateStore(0)
	if _, err := s.Consume(context.Background(), "never-issued", "n"); !errors.Is(err, lti.ErrStateNotFound) {
		t.Fatalf("want StateNotFound, got %v", err)
	}
}

func TestConsumeNonceMismatch(t *testing.T) {
	s := lti.NewMemoryStateStore(0)
	ctx := context.Background()

	st, err := s.Issue(ctx, "https://lms.example.com", "c1", "https://tool.example.com/launch")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.Consume(ctx, st.State, "wrong-nonce"); !errors.Is(err, lti.ErrNonceMismatch) {
		t.Fatalf("want NonceMismatch, got %v", err)
	}
}

func TestConsumeExpired(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	s := lti.NewMemoryStateStore(5 * time.Minute)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	st, err := s.Issue(ctx, "https://lms.example.com", "c1", "https://tool.example.com/launch")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = now.Add(5*time.Minute + time.Second)
	if _, err := s.Consume(ctx, st.State, st.Nonce); !errors.Is(err, lti.ErrStateExpired) {
		t.Fatalf("want StateExpired, got %v", err)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	s := lti.NewMemoryStateStore(0)
	ctx := context.Background()

	st, err := s.Issue(ctx, "https://lms.example.com", "c1", "https://tool.example.com/launch")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	for i := 0; i < 3; i++ {
		got, err := s.Peek(ctx, st.State)
		if err != nil {
			t.Fatalf("peek %d: %v", i, err)
		}
		if got.Nonce != st.Nonce {
			t.Fatalf("peek %d: nonce mismatch", i)
		}
	}
	if _, err := s.Consume(ctx, st.State, st.Nonce); err != nil {
		t.Fatalf("consume after peeks: %v", err)
	}
	if _, err := s.Peek(ctx, st.State); !errors.Is(err, lti.ErrStateNotFound) {
		t.Fatalf("peek after consume: want StateNotFound, got %v", err)
	}
}

func TestConsumeConcurrentExactlyOneWins(t *testing.T) {
	s := lti.NewMemoryStateStore(0)
	ctx := context.Background()

	st, err := s.Issue(ctx, "https://lms.example.com", "c1", "https://tool.example.com/launch")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, notFound, other int

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Consume(ctx, st.State, st.Nonce)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, lti.ErrStateNotFound):
				notFound++
			default:
				other++
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok != 1 {
		t.Fatalf("want exactly 1 successful consume, got %d", ok)
	}
	if notFound != workers-1 {
		t.Fatalf("want %d StateNotFound, got %d (other=%d)", workers-1, notFound, other)
	}
}
