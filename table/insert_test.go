package table

import (
	"context"
	"errors"
	"testing"
)

func TestInsertOrGetRetriesVanishedConflict(t *testing.T) {
	ctx := context.Background()
	var inserts, gets int
	insert := func() (bool, error) {
		inserts++
		return inserts == 2, nil
	}
	get := func(context.Context, string) ([]byte, bool, error) {
		gets++
		return nil, false, nil
	}

	existing, inserted, err := insertOrGet(ctx, "k", insert, get)
	if err != nil || !inserted || existing != nil {
		t.Fatalf("expected retry to insert, existing=%q inserted=%v err=%v", existing, inserted, err)
	}
	if inserts != 2 || gets != 1 {
		t.Fatalf("expected 2 inserts and 1 get, got %d and %d", inserts, gets)
	}
}

func TestInsertOrGetReturnsWinner(t *testing.T) {
	ctx := context.Background()
	existing, inserted, err := insertOrGet(ctx, "k",
		func() (bool, error) { return false, nil },
		func(context.Context, string) ([]byte, bool, error) { return []byte("owner"), true, nil },
	)
	if err != nil || inserted || string(existing) != "owner" {
		t.Fatalf("expected existing owner, existing=%q inserted=%v err=%v", existing, inserted, err)
	}
}

func TestInsertOrGetGivesUpAfterSecondConflict(t *testing.T) {
	ctx := context.Background()
	var inserts int
	existing, inserted, err := insertOrGet(ctx, "k",
		func() (bool, error) { inserts++; return false, nil },
		func(context.Context, string) ([]byte, bool, error) { return nil, false, nil },
	)
	if err != nil || inserted || existing != nil || inserts != 2 {
		t.Fatalf("expected bounded retry, existing=%q inserted=%v err=%v inserts=%d", existing, inserted, err, inserts)
	}
}

func TestInsertOrGetPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	if _, _, err := insertOrGet(ctx, "k",
		func() (bool, error) { return false, boom },
		func(context.Context, string) ([]byte, bool, error) { return nil, false, nil },
	); !errors.Is(err, boom) {
		t.Fatalf("expected insert error, got %v", err)
	}
	if _, _, err := insertOrGet(ctx, "k",
		func() (bool, error) { return false, nil },
		func(context.Context, string) ([]byte, bool, error) { return nil, false, boom },
	); !errors.Is(err, boom) {
		t.Fatalf("expected get error, got %v", err)
	}
}
