package memstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/runledger/internal/domain"
	"github.com/runledger/internal/ledger"
	"github.com/runledger/internal/memstore"
)

var (
	partA = domain.Partition{MapID: 1, GameMode: domain.GameModeSurf}
	partB = domain.Partition{MapID: 1, GameMode: domain.GameModeSurf, TrackNum: 1}

	errAbort = errors.New("abort")
)

func mapCompletion() ledger.Completion {
	return ledger.Completion{MapID: 1, Scope: ledger.ScopeMap, Time: 10, Stats: domain.RunStats{Jumps: 2}}
}

// writeAll performs one of every kind of write a submission makes
func writeAll(ctx context.Context, tx ledger.Tx, p domain.Partition, userID int64) error {
	run := &domain.Run{UserID: userID, MapID: p.MapID, GameMode: p.GameMode, TrackNum: p.TrackNum, Time: 10}
	if err := tx.InsertRun(ctx, run); err != nil {
		return err
	}
	if err := tx.AddCompletion(ctx, mapCompletion()); err != nil {
		return err
	}
	st, err := tx.UserStats(ctx, userID)
	if err != nil {
		return err
	}
	st.RunsSubmitted++
	if err := tx.SaveUserStats(ctx, st); err != nil {
		return err
	}
	entry := &domain.RankEntry{Partition: p, UserID: userID, Rank: 1, RunID: run.ID, Time: 10}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return err
	}
	_, err = tx.BumpVersion(ctx, p)
	return err
}

func TestFailedTransactionKeepsOtherPartitions(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	err := s.InPartition(ctx, partA, func(tx ledger.Tx) error {
		if err := writeAll(ctx, tx, partA, 1); err != nil {
			return err
		}
		nested := s.InPartition(ctx, partB, func(tx ledger.Tx) error {
			return writeAll(ctx, tx, partB, 2)
		})
		if nested != nil {
			t.Fatalf("InPartition(B) error = %v", nested)
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("InPartition(A) error = %v, want %v", err, errAbort)
	}

	runs := s.Runs()
	if len(runs) != 1 || runs[0].UserID != 2 {
		t.Fatalf("runs = %+v, want only user 2's run", runs)
	}
	if got := s.Completions(1, ledger.ScopeMap, 0, 0); got.Completions != 1 || got.TotalJumps != 2 {
		t.Fatalf("map completions = %+v, want one completion with 2 jumps", got)
	}
	if st, _ := s.GetUserStats(ctx, 1); st.RunsSubmitted != 0 {
		t.Fatalf("user 1 runs submitted = %d, want 0", st.RunsSubmitted)
	}
	if st, _ := s.GetUserStats(ctx, 2); st.RunsSubmitted != 1 {
		t.Fatalf("user 2 runs submitted = %d, want 1", st.RunsSubmitted)
	}

	snapA, _ := s.Snapshot(ctx, partA)
	if len(snapA.Entries) != 0 || snapA.Version != 0 {
		t.Fatalf("partition A = %d entries at version %d, want empty", len(snapA.Entries), snapA.Version)
	}
	snapB, _ := s.Snapshot(ctx, partB)
	if len(snapB.Entries) != 1 || snapB.Entries[0].UserID != 2 || snapB.Version != 1 {
		t.Fatalf("partition B = %+v, want user 2 at version 1", snapB)
	}
	if snapB.Entries[0].RunID != runs[0].ID {
		t.Fatalf("entry run id = %d, want %d", snapB.Entries[0].RunID, runs[0].ID)
	}

	parts, _ := s.Partitions(ctx)
	if len(parts) != 1 || parts[0] != partB {
		t.Fatalf("partitions = %v, want [%v]", parts, partB)
	}
}

func TestReadsDuringOpenTransactionSeeCommittedState(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	if err := s.InPartition(ctx, partA, func(tx ledger.Tx) error {
		return writeAll(ctx, tx, partA, 1)
	}); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	err := s.InPartition(ctx, partA, func(tx ledger.Tx) error {
		shifted, err := tx.ShiftRanks(ctx, partA, 1, 0)
		if err != nil {
			return err
		}
		if len(shifted) != 1 || shifted[0].Rank != 2 {
			t.Fatalf("shifted = %+v, want user 1 at rank 2", shifted)
		}
		if err := tx.InsertEntry(ctx, &domain.RankEntry{Partition: partA, UserID: 3, Rank: 1, Time: 5}); err != nil {
			return err
		}
		if _, err := tx.BumpVersion(ctx, partA); err != nil {
			return err
		}

		if n, _ := tx.CountEntries(ctx, partA); n != 2 {
			t.Fatalf("CountEntries() in tx = %d, want 2", n)
		}
		entries, _ := s.Entries(ctx, partA)
		if len(entries) != 1 || entries[0].UserID != 1 || entries[0].Rank != 1 {
			t.Fatalf("Entries() during tx = %+v, want committed user 1 at rank 1", entries)
		}
		snap, _ := s.Snapshot(ctx, partA)
		if snap.Version != 1 || len(snap.Entries) != 1 {
			t.Fatalf("Snapshot() during tx = %+v, want committed version 1", snap)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InPartition() error = %v", err)
	}

	snap, _ := s.Snapshot(ctx, partA)
	if snap.Version != 2 || len(snap.Entries) != 2 {
		t.Fatalf("after commit = %+v, want 2 entries at version 2", snap)
	}
	if err := ledger.Verify(snap.Entries); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if snap.Entries[0].UserID != 3 || snap.Entries[1].UserID != 1 {
		t.Fatalf("order = %+v, want user 3 then user 1", snap.Entries)
	}
}

func TestRunVisibleInsideItsTransaction(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	err := s.InPartition(ctx, partA, func(tx ledger.Tx) error {
		if err := tx.InsertRun(ctx, &domain.Run{UserID: 1, MapID: 1}); err != nil {
			return err
		}
		done, err := tx.HasCompletedTrack(ctx, 1, 1, 0)
		if err != nil {
			return err
		}
		if !done {
			t.Fatal("HasCompletedTrack() = false inside the inserting transaction")
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("InPartition() error = %v, want %v", err, errAbort)
	}

	var id int64
	err = s.InPartition(ctx, partA, func(tx ledger.Tx) error {
		done, _ := tx.HasCompletedTrack(ctx, 1, 1, 0)
		if done {
			t.Fatal("HasCompletedTrack() = true after rollback")
		}
		run := &domain.Run{UserID: 1, MapID: 1}
		err := tx.InsertRun(ctx, run)
		id = run.ID
		return err
	})
	if err != nil {
		t.Fatalf("InPartition() error = %v", err)
	}
	if id != 2 {
		t.Fatalf("run id = %d, want 2 after a discarded id", id)
	}
}

func TestConcurrentTransactionsAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	const perPartition = 20
	var wg sync.WaitGroup
	for _, p := range []domain.Partition{partA, partB} {
		for i := 0; i < perPartition; i++ {
			wg.Add(1)
			go func(p domain.Partition, fail bool) {
				defer wg.Done()
				_ = s.InPartition(ctx, p, func(tx ledger.Tx) error {
					if err := tx.InsertRun(ctx, &domain.Run{UserID: 1, MapID: 1, TrackNum: p.TrackNum}); err != nil {
						return err
					}
					if err := tx.AddCompletion(ctx, mapCompletion()); err != nil {
						return err
					}
					st, err := tx.UserStats(ctx, 1)
					if err != nil {
						return err
					}
					st.RunsSubmitted++
					if err := tx.SaveUserStats(ctx, st); err != nil {
						return err
					}
					if fail {
						return errAbort
					}
					return nil
				})
			}(p, i%2 == 1)
		}
	}
	wg.Wait()

	const committed = perPartition
	if got := len(s.Runs()); got != committed {
		t.Fatalf("runs = %d, want %d", got, committed)
	}
	if got := s.Completions(1, ledger.ScopeMap, 0, 0); got.Completions != committed {
		t.Fatalf("map completions = %d, want %d", got.Completions, committed)
	}
	if st, _ := s.GetUserStats(ctx, 1); st.RunsSubmitted != committed {
		t.Fatalf("runs submitted = %d, want %d", st.RunsSubmitted, committed)
	}
}
