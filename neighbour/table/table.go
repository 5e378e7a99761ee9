// Package table implements the Neighbour Table of §3: the mapping from peer
// identity to neighbour entry, and the lifecycle invariant I1 ("a neighbour
// exists in the table iff its state != DISCONNECT_FINISHED"). Storage is a
// single-table hashicorp/go-memdb instance indexed by PeerId — mutation
// itself still only ever happens from the single scheduler dispatch
// goroutine (§5); memdb's transactions exist here to give the debug
// introspection surface (SPEC_FULL.md, supplemented feature 2) a
// point-in-time snapshot without a second lock.
package table

import (
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/montanaflynn/stats"

	"github.com/ngcore/neighbourd/neighbour/quota"
	"github.com/ngcore/neighbourd/neighbour/sched"
	"github.com/ngcore/neighbourd/neighbour/types"
)

// delayWindow bounds the number of keepalive RTT samples kept per address
// (§6.1 ats_update_delay): large enough to smooth a single slow keepalive,
// small enough that a real latency shift is reflected within a few rounds.
const delayWindow = 8

// State is one of the eleven states of §4.1.
type State int

const (
	NotConnected State = iota
	InitATS
	SynSent
	SynRecvATS
	SynRecvAck
	Connected
	ReconnectATS
	ReconnectSent
	SwitchSynSent
	Disconnect
	DisconnectFinished
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NOT_CONNECTED"
	case InitATS:
		return "INIT_ATS"
	case SynSent:
		return "SYN_SENT"
	case SynRecvATS:
		return "SYN_RECV_ATS"
	case SynRecvAck:
		return "SYN_RECV_ACK"
	case Connected:
		return "CONNECTED"
	case ReconnectATS:
		return "RECONNECT_ATS"
	case ReconnectSent:
		return "RECONNECT_SENT"
	case SwitchSynSent:
		return "SWITCH_SYN_SENT"
	case Disconnect:
		return "DISCONNECT"
	case DisconnectFinished:
		return "DISCONNECT_FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Connected reports whether the predicate of §4.5 holds: upper layers
// consider the neighbour usable.
func (s State) Connected() bool {
	switch s {
	case Connected, ReconnectATS, ReconnectSent, SwitchSynSent:
		return true
	default:
		return false
	}
}

// AckState is what reply, if any, we still owe the peer (§3 invariant I4).
type AckState int

const (
	AckUndefined AckState = iota
	AckSendSynAck
	AckSendAck
)

// NeighbourAddress bundles one candidate address with its live session and
// the bookkeeping the handshake and keepalive logic need (§3). A neighbour
// holds at most two: Primary and Alternative.
type NeighbourAddress struct {
	Address types.Address
	Session types.Session

	InboundBandwidth  uint32
	OutboundBandwidth uint32

	// ConnectTimestamp is the timestamp we stamped on the SYN we sent over
	// this address; a SYN-ACK is matched to it solely by this value (§4.1).
	ConnectTimestamp time.Time

	KeepaliveNonce        uint32
	ExpectLatencyResponse bool

	// ATSActive is set only once this address is the registered-in-use
	// address with the suggester (§3 invariant, §9 open question: the
	// alternative never sets this until promoted to primary).
	ATSActive bool

	// delaySamples is a bounded ring of recent keepalive RTT measurements
	// (§6.1 ats_update_delay), reduced to a single estimate by RecordDelay.
	delaySamples []float64
	nextSample   int
}

// RecordDelay appends a keepalive RTT sample to this address's rolling
// window (capped at delayWindow, oldest evicted first) and returns the
// median of the window so far, resisting a single jittery sample before it
// reaches the suggester.
func (na *NeighbourAddress) RecordDelay(d time.Duration) time.Duration {
	sample := float64(d)
	if len(na.delaySamples) < delayWindow {
		na.delaySamples = append(na.delaySamples, sample)
	} else {
		na.delaySamples[na.nextSample%delayWindow] = sample
		na.nextSample++
	}
	median, err := stats.Median(na.delaySamples)
	if err != nil {
		return d
	}
	return time.Duration(median)
}

// QueueEntry is one entry of the per-neighbour send-path DLL (§3, §4.4).
type QueueEntry struct {
	Payload    []byte
	Deadline   time.Time
	Completion func(success bool)

	next, prev *QueueEntry
}

// Neighbour is the Neighbour Entry of §3. All fields are mutated only by the
// single scheduler dispatch loop (§5); there are no internal locks.
type Neighbour struct {
	ID            types.PeerId
	State         State
	StateDeadline time.Time

	Primary     *NeighbourAddress
	Alternative *NeighbourAddress

	head, tail   *QueueEntry
	Active       *QueueEntry
	BytesQueued  int64

	Quota                 *quota.Tracker
	QuotaViolationCount   int // mirrored from Quota.Violations() for introspection
	NeighbourReceiveQuota uint32
	LastQuotaDecayAt      time.Time

	AckState             AckState
	ConnectAckTimestamp  time.Time

	LastKeepaliveSentAt time.Time
	NextKeepaliveDueAt  time.Time

	UtilBytesSent    uint64
	UtilBytesRecv    uint64
	LastUtilReportAt time.Time

	// SuggestHandle is the opaque interest handle returned by
	// connectivity_suggest (§6.1), cleared once cancelled.
	SuggestHandle any

	// PendingCheck is non-nil only while a blacklist_test_allowed callback
	// is outstanding (§6.2). It is keyed by PeerId plus its own CheckID
	// (design note 1), not a back-pointer, so the check record survives a
	// freed neighbour; the core simply ignores a reply for an ID that no
	// longer matches.
	PendingCheck *PendingBlacklistCheck

	// NotifiedConnected tracks whether a connect_notification has fired for
	// the current connected interval without a matching disconnect_notification
	// yet (§8 P3: notifications must alternate connect/disconnect).
	NotifiedConnected bool
}

// AddrSlot names which of a neighbour's two address slots an in-flight
// blacklist check or SYN concerns.
type AddrSlot int

const (
	SlotPrimary AddrSlot = iota
	SlotAlternative
)

// PendingBlacklistCheck captures what a blacklist_test_allowed callback
// needs to resume the suspended handler that issued it (§5 "suspension
// points").
type PendingBlacklistCheck struct {
	CheckID any
	Address types.Address
	Session types.Session
	BWIn    uint32
	BWOut   uint32
	Slot    AddrSlot
}

// PushBack appends an entry to the tail of the send queue (§4.4).
func (n *Neighbour) PushBack(e *QueueEntry) {
	e.prev = n.tail
	e.next = nil
	if n.tail != nil {
		n.tail.next = e
	} else {
		n.head = e
	}
	n.tail = e
	n.BytesQueued += int64(len(e.Payload))
}

// PopFront detaches and returns the head of the send queue, or nil if empty.
func (n *Neighbour) PopFront() *QueueEntry {
	e := n.head
	if e == nil {
		return nil
	}
	n.head = e.next
	if n.head != nil {
		n.head.prev = nil
	} else {
		n.tail = nil
	}
	e.next, e.prev = nil, nil
	n.BytesQueued -= int64(len(e.Payload))
	return e
}

// Front returns the head of the send queue without detaching it.
func (n *Neighbour) Front() *QueueEntry { return n.head }

// Empty reports whether the send queue has no entries.
func (n *Neighbour) Empty() bool { return n.head == nil }

const tableName = "neighbours"

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableName: {
			Name: tableName,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "IDHex"},
				},
			},
		},
	},
}

// row is the memdb-indexed wrapper around a *Neighbour: memdb indexers
// operate on exported struct fields by reflection, so the hex-string form
// of the PeerId is cached alongside the pointer it indexes.
type row struct {
	IDHex string
	N     *Neighbour
}

// Table is the Neighbour Table. The zero value is not usable; use New.
type Table struct {
	db        *memdb.MemDB
	scheduler *sched.Scheduler
}

// New creates an empty table driven by the given scheduler (master task
// handles armed for a neighbour are Cancel()'d automatically on Delete).
func New(scheduler *sched.Scheduler) (*Table, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &Table{db: db, scheduler: scheduler}, nil
}

// Insert adds or replaces n in the table, realizing invariant I1 together
// with Delete: insertion only ever happens for a non-terminal state.
func (t *Table) Insert(n *Neighbour) error {
	txn := t.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableName, row{IDHex: n.ID.String(), N: n}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Get looks up a neighbour by peer identity.
func (t *Table) Get(id types.PeerId) (*Neighbour, bool) {
	txn := t.db.Txn(false)
	defer txn.Abort()
	v, err := txn.First(tableName, "id", id.String())
	if err != nil || v == nil {
		return nil, false
	}
	return v.(row).N, true
}

// Delete removes id from the table and cancels its master task, completing
// invariant I1 for the DISCONNECT_FINISHED transition (free_neighbour, §3).
func (t *Table) Delete(id types.PeerId) {
	txn := t.db.Txn(true)
	_, _ = txn.DeleteAll(tableName, "id", id.String())
	txn.Commit()
	if t.scheduler != nil {
		t.scheduler.Cancel(id)
	}
}

// Len reports the number of neighbours currently tracked.
func (t *Table) Len() int {
	txn := t.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableName, "id")
	if err != nil {
		return 0
	}
	count := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		count++
	}
	return count
}

// Snapshot is a point-in-time, read-only view of one neighbour, for the
// debug/introspection surface (SPEC_FULL.md supplemented feature 2).
type Snapshot struct {
	ID            types.PeerId
	State         State
	StateDeadline time.Time
}

// Snapshot returns a consistent snapshot of every tracked neighbour.
func (t *Table) Snapshot() []Snapshot {
	txn := t.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableName, "id")
	if err != nil {
		return nil
	}
	var out []Snapshot
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n := obj.(row).N
		out = append(out, Snapshot{ID: n.ID, State: n.State, StateDeadline: n.StateDeadline})
	}
	return out
}
