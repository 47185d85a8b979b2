package postgres

import (
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestSnapshotTxOptions(t *testing.T) {
	if snapshotTxOptions.IsoLevel != pgx.RepeatableRead {
		t.Errorf("loads must read one snapshot, got isolation %q", snapshotTxOptions.IsoLevel)
	}
	if snapshotTxOptions.AccessMode != pgx.ReadOnly {
		t.Errorf("loads must not write, got access mode %q", snapshotTxOptions.AccessMode)
	}
}
