package driver

import (
	"context"
	"fmt"
	"time"
)

// FakeDatabase is an in-memory Database double used by internal/lb's unit
// tests, a hand-rolled fake rather than a gomock-style generated double.
type FakeDatabase struct {
	address string

	database string
	schema   string
	prefix   string

	independent bool

	txLevel           int
	writesPending     bool
	atomicOpen        bool
	writeDuration     time.Duration
	pingErr           error
	commitErr         error
	rollbackErr       error
	readOnly          bool
	readOnlyErr       error
	closed            bool
	openedEmptyByIdle bool

	preCommit  []Callback
	idle       []Callback
	suppressed bool

	round RoundFlags

	// PrimaryPos is the position this fake connection has replayed to.
	// PrimaryPosWait succeeds once target <= PrimaryPos.
	PrimaryPos string

	// Recorded calls, for assertions.
	SwitchDomainCalls int
	FlushSnapshotCalls int
	PingCalls         int
	CommitCalls       int
	RollbackCalls     int
}

// NewFakeDatabase constructs a fake connection already attached to the given
// domain, as if it were freshly opened.
func NewFakeDatabase(address, database, schema, prefix string, independent bool) *FakeDatabase {
	return &FakeDatabase{
		address:     address,
		database:    database,
		schema:      schema,
		prefix:      prefix,
		independent: independent,
	}
}

func (f *FakeDatabase) Address() string { return f.address }

func (f *FakeDatabase) CurrentDomain() (string, string, string) {
	return f.database, f.schema, f.prefix
}

func (f *FakeDatabase) DatabasesAreIndependent() bool { return f.independent }

func (f *FakeDatabase) SwitchDomain(_ context.Context, database, schema, prefix string) error {
	f.SwitchDomainCalls++
	f.database, f.schema, f.prefix = database, schema, prefix
	return nil
}

func (f *FakeDatabase) FlushSnapshot(_ context.Context) error {
	f.FlushSnapshotCalls++
	return nil
}

func (f *FakeDatabase) TxLevel() int { return f.txLevel }

// SetTxLevel is a test helper simulating BEGIN/COMMIT depth.
func (f *FakeDatabase) SetTxLevel(level int) { f.txLevel = level }

func (f *FakeDatabase) WritesOrLocksPending() bool { return f.writesPending }

// SetWritesPending is a test helper.
func (f *FakeDatabase) SetWritesPending(v bool) { f.writesPending = v }

func (f *FakeDatabase) AtomicSectionOpen() bool { return f.atomicOpen }

// SetAtomicSectionOpen is a test helper.
func (f *FakeDatabase) SetAtomicSectionOpen(v bool) { f.atomicOpen = v }

func (f *FakeDatabase) EstimateWriteDuration(_ context.Context) (time.Duration, error) {
	return f.writeDuration, nil
}

// SetWriteDuration is a test helper for Approve's budget check.
func (f *FakeDatabase) SetWriteDuration(d time.Duration) { f.writeDuration = d }

func (f *FakeDatabase) Ping(_ context.Context) error {
	f.PingCalls++
	return f.pingErr
}

// SetPingErr is a test helper simulating a dropped connection.
func (f *FakeDatabase) SetPingErr(err error) { f.pingErr = err }

func (f *FakeDatabase) Commit(_ context.Context, _ bool) error {
	f.CommitCalls++
	if f.commitErr != nil {
		return f.commitErr
	}
	f.txLevel = 0
	return nil
}

// SetCommitErr is a test helper simulating a per-handle commit failure.
func (f *FakeDatabase) SetCommitErr(err error) { f.commitErr = err }

func (f *FakeDatabase) Rollback(_ context.Context, _ bool) error {
	f.RollbackCalls++
	f.txLevel = 0
	return f.rollbackErr
}

func (f *FakeDatabase) QueuePreCommitCallback(cb Callback) {
	f.preCommit = append(f.preCommit, cb)
}

func (f *FakeDatabase) RunPreCommitCallbacks(ctx context.Context) (bool, error) {
	pending := f.preCommit
	f.preCommit = nil
	for _, cb := range pending {
		if err := cb(ctx); err != nil {
			return false, err
		}
	}
	return len(f.preCommit) > 0, nil
}

func (f *FakeDatabase) SuppressPostCommitCallbacks(suppressed bool) { f.suppressed = suppressed }

func (f *FakeDatabase) PostCommitCallbacksSuppressed() bool { return f.suppressed }

func (f *FakeDatabase) QueueIdleCallback(cb Callback) {
	f.idle = append(f.idle, cb)
}

func (f *FakeDatabase) RunIdleCallbacks(ctx context.Context) (int, error) {
	if f.txLevel != 0 {
		return 0, nil
	}
	pending := f.idle
	f.idle = nil
	ran := 0
	for _, cb := range pending {
		if err := cb(ctx); err != nil {
			return ran, err
		}
		ran++
	}
	f.openedEmptyByIdle = ran > 0 && f.txLevel > 0
	return ran, nil
}

func (f *FakeDatabase) OpenedEmptyTransactionByCallback() bool { return f.openedEmptyByIdle }

func (f *FakeDatabase) PrimaryPosWait(_ context.Context, target string, _ time.Duration) (bool, error) {
	if target == "" {
		return false, fmt.Errorf("fake: empty target position")
	}
	return f.PrimaryPos >= target, nil
}

func (f *FakeDatabase) ServerIsReadOnly(_ context.Context) (bool, error) {
	return f.readOnly, f.readOnlyErr
}

// SetReadOnly is a test helper.
func (f *FakeDatabase) SetReadOnly(ro bool, err error) { f.readOnly, f.readOnlyErr = ro, err }

func (f *FakeDatabase) RoundFlags() RoundFlags { return f.round }

func (f *FakeDatabase) SetRoundFlags(roundID string) {
	if f.round.Active {
		return
	}
	f.round = RoundFlags{WasAutocommit: f.txLevel == 0, RoundID: roundID, Active: true}
	f.txLevel = 1
}

func (f *FakeDatabase) UndoRoundFlags() {
	if f.round.WasAutocommit {
		f.txLevel = 0
	}
	f.round = RoundFlags{}
}

func (f *FakeDatabase) Close(_ context.Context) error {
	f.closed = true
	return nil
}

// Closed reports whether Close has been called, for test assertions.
func (f *FakeDatabase) Closed() bool { return f.closed }
