package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/models"
	"github.com/shopspring/decimal"
)

func instruments(n int) []models.Instrument {
	out := make([]models.Instrument, n)
	for i := range out {
		out[i] = models.Instrument{
			Token:          uint32(i + 1),
			Exchange:       "NFO",
			TradingSymbol:  fmt.Sprintf("SYM%d", i+1),
			Underlying:     "NIFTY",
			InstrumentType: models.TypeCall,
		}
	}
	return out
}

type fakeProvider struct {
	mu     sync.Mutex
	calls  [][]string
	fail   map[int]error
	block  map[int]bool
	mangle map[string]bool
	times  []time.Time
}

func (f *fakeProvider) FetchQuotes(ctx context.Context, keys []string) (map[string]models.Quote, error) {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, keys)
	f.times = append(f.times, time.Now())
	f.mu.Unlock()

	if f.block[idx] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.fail[idx]; err != nil {
		return nil, err
	}
	out := make(map[string]models.Quote, len(keys))
	for _, k := range keys {
		q := models.Quote{
			Key:          k,
			LowerCircuit: decimal.NewFromInt(100),
			UpperCircuit: decimal.NewFromInt(200),
		}
		if f.mangle[k] {
			q.LowerCircuit, q.UpperCircuit = q.UpperCircuit, q.LowerCircuit
		}
		out[k] = q
	}
	return out, nil
}

func TestPartition(t *testing.T) {
	batches := Partition(instruments(250), 100)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	sizes := []int{100, 100, 50}
	next := uint32(1)
	for i, b := range batches {
		if b.Index != i {
			t.Errorf("batch %d has index %d", i, b.Index)
		}
		if len(b.Instruments) != sizes[i] {
			t.Errorf("batch %d size %d, want %d", i, len(b.Instruments), sizes[i])
		}
		for _, inst := range b.Instruments {
			if inst.Token != next {
				t.Fatalf("batch %d breaks resolver order at token %d (want %d)", i, inst.Token, next)
			}
			next++
		}
	}

	if got := Partition(nil, 100); len(got) != 0 {
		t.Errorf("empty input gave %d batches", len(got))
	}
}

func TestRun_BatchFailureIsolation(t *testing.T) {
	p := &fakeProvider{fail: map[int]error{1: errors.New("provider timeout")}}
	s := New(p, Config{BatchSize: 100})

	seen := map[uint32]bool{}
	summary := s.Run(context.Background(), instruments(250), func(b Batch, quotes map[string]models.Quote) {
		for _, inst := range b.Instruments {
			if _, ok := quotes[inst.Key()]; ok {
				seen[inst.Token] = true
			}
		}
	})

	if summary.Attempted != 250 || summary.Obtained != 150 || summary.BatchesFailed != 1 || summary.Batches != 3 {
		t.Errorf("summary = %+v", summary)
	}
	if len(p.calls) != 3 {
		t.Errorf("provider called %d times, want 3", len(p.calls))
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Index != 1 || summary.Failures[0].Size != 100 {
		t.Errorf("failures = %+v", summary.Failures)
	}
	for tok := uint32(1); tok <= 250; tok++ {
		inFailed := tok > 100 && tok <= 200
		if seen[tok] == inFailed {
			t.Fatalf("token %d seen=%v, failed batch=%v", tok, seen[tok], inFailed)
		}
	}
}

func TestRun_DropsMalformedQuotes(t *testing.T) {
	insts := instruments(3)
	p := &fakeProvider{mangle: map[string]bool{insts[1].Key(): true}}
	s := New(p, Config{BatchSize: 10})

	var got map[string]models.Quote
	summary := s.Run(context.Background(), insts, func(b Batch, quotes map[string]models.Quote) { got = quotes })

	if summary.Obtained != 2 {
		t.Errorf("obtained = %d, want 2", summary.Obtained)
	}
	if _, ok := got[insts[1].Key()]; ok {
		t.Error("malformed quote was passed on")
	}
}

func TestRun_FetchTimeoutIsBatchFailure(t *testing.T) {
	p := &fakeProvider{block: map[int]bool{0: true}}
	s := New(p, Config{BatchSize: 2, FetchTimeout: 20 * time.Millisecond})

	summary := s.Run(context.Background(), instruments(4), nil)
	if summary.BatchesFailed != 1 || summary.Obtained != 2 || summary.Cancelled {
		t.Errorf("summary = %+v", summary)
	}
	if !errors.Is(summary.Failures[0], context.DeadlineExceeded) {
		t.Errorf("failure = %v, want deadline exceeded", summary.Failures[0])
	}
}

func TestRun_DelayBetweenBatches(t *testing.T) {
	p := &fakeProvider{}
	delay := 30 * time.Millisecond
	s := New(p, Config{BatchSize: 1, Delay: delay})

	s.Run(context.Background(), instruments(3), nil)
	if len(p.times) != 3 {
		t.Fatalf("calls = %d", len(p.times))
	}
	for i := 1; i < len(p.times); i++ {
		if gap := p.times[i].Sub(p.times[i-1]); gap < delay {
			t.Errorf("gap between batch %d and %d = %v, want >= %v", i-1, i, gap, delay)
		}
	}
}

func TestRun_CancellationSkipsRemainingBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{block: map[int]bool{1: true}}
	s := New(p, Config{BatchSize: 10})

	done := make(chan Summary)
	go func() {
		done <- s.Run(ctx, instruments(50), nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case summary := <-done:
		if !summary.Cancelled {
			t.Error("expected Cancelled")
		}
		if summary.BatchesFailed != 0 {
			t.Errorf("cancelled batch counted as failure: %+v", summary)
		}
		if len(p.calls) != 2 {
			t.Errorf("provider called %d times, want 2", len(p.calls))
		}
		if summary.Obtained != 10 {
			t.Errorf("obtained = %d, want 10", summary.Obtained)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakeProvider{}
	summary := New(p, Config{BatchSize: 10}).Run(ctx, instruments(20), nil)
	if !summary.Cancelled || len(p.calls) != 0 {
		t.Errorf("summary = %+v, calls = %d", summary, len(p.calls))
	}
}
