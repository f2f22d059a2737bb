package mailstore

import (
	"context"
	"sync"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
)

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, WithMaxConcurrentOps(4))
	mb := createMailbox(t, svc, "INBOX", true)

	const n = 50
	var (
		mu   sync.Mutex
		uids = make(map[imap.UID]uint64)
		wg   sync.WaitGroup
	)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			md, err := svc.Append(ctx, mb.ID, AppendRequest{Content: []byte("x")})
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			uids[md.UID] = md.ModSeq
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	if len(uids) != n {
		t.Fatalf("expected %d distinct uids, got %d", n, len(uids))
	}
	seen := make(map[uint64]bool)
	for uid, modSeq := range uids {
		if uid < 1 || uid > n {
			t.Errorf("uid %d outside 1..%d", uid, n)
		}
		if seen[modSeq] {
			t.Errorf("modseq %d handed out twice", modSeq)
		}
		seen[modSeq] = true
	}

	st, err := svc.Status(ctx, mb.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Messages != n || st.UIDNext != n+1 || st.HighestModSeq != n {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestConcurrentFlagUpdates(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)
	mb := createMailbox(t, svc, "INBOX", true)
	for i := 0; i < 10; i++ {
		appendMessage(t, svc, mb.ID, "x")
	}

	keywords := []imap.Flag{"$A", "$B", "$C", "$D", "$E"}
	var wg sync.WaitGroup
	errs := make(chan error, len(keywords))
	for _, kw := range keywords {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.UpdateFlags(ctx, mb.ID, store.AddFlags(kw), store.All()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("update flags: %v", err)
	}

	// Every update changed every message once: one modseq each.
	st, _ := svc.Status(ctx, mb.ID)
	if want := uint64(10 + len(keywords)); st.HighestModSeq != want {
		t.Errorf("expected highest modseq %d, got %d", want, st.HighestModSeq)
	}
	records, err := svc.UpdateFlags(ctx, mb.ID, store.AddFlags(keywords...), store.All())
	if err != nil {
		t.Fatalf("update flags: %v", err)
	}
	for _, r := range records {
		if r.Changed() {
			t.Errorf("expected every keyword already set, got %s", r)
		}
	}
}
