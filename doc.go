// Package mailstore is the write path of an IMAP message store: it hands out
// UIDs and modification sequences (CONDSTORE) and applies appends, copies
// and flag updates atomically per mailbox.
//
// Storage engines live under store/ (memory, sqlite, postgres, mongo), with
// store/redis providing standalone allocators and store/blob/* holding raw
// message content.
//
// # Basic Usage
//
//	svc, err := mailstore.NewService(
//	    mailstore.WithStore(memory.New()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	mb, _ := svc.CreateMailbox(ctx, store.NewMailboxPath("alice", "INBOX"), "alice", true)
//	md, _ := svc.Append(ctx, mb.ID, mailstore.AppendRequest{Content: raw})
//
//	// STORE 1:* +FLAGS (\Seen)
//	records, _ := svc.UpdateFlags(ctx, mb.ID, store.AddFlags(imap.FlagSeen), store.All())
//	for _, r := range records {
//	    if r.Changed() { ... }
//	}
//
// # Allocation
//
// UIDs are unique and strictly increasing per mailbox and are never reused,
// not even after a failed write: gaps are legal, duplicates are not.
// Modseqs are only allocated for mailboxes created with modseq tracking.
// A flag update reserves at most one modseq, shared by every message it
// changes; a call that changes nothing reserves none.
//
// # Lower-level API
//
// MessageMapper and RunInTransaction can be used directly against any
// store.Backend:
//
//	mapper := mailstore.NewMessageMapper(backend, backend, mailstore.WithModSeq(backend))
//	md, err := mailstore.RunInTransactionResult(ctx, backend, mb,
//	    func(ctx context.Context) (store.MessageMetaData, error) {
//	        return mapper.Append(ctx, mb, msg)
//	    })
//
// # Errors
//
// Allocation failures (*AllocationError) happen before anything is written
// and may be retried. Persistence failures (*PersistenceError) consume the
// reserved values and are not retried on their own. The Service retries the
// whole transaction when IsRetryableError reports true.
//
// # Events
//
// Each service publishes MessageAppended, MessageCopied and FlagsUpdated
// after commit through github.com/rbaliyan/event:
//
//	svc.Events().FlagsUpdated.Subscribe(ctx, handler)
package mailstore
