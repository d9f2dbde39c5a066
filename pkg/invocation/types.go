// Package invocation defines the durable-execution data model: invocations,
// their journals, and the auxiliary records (inbox, outbox, promises,
// timers, idempotency, deduplication) a partition's storage tables hold.
//
// Every type here is a plain, serializable value — no package in this tree
// depends on invocation for behavior, only for shape. Encoding lives in
// pkg/codec; persistence lives in pkg/storage; the rules that produce and
// consume these values live in pkg/statemachine.
package invocation

import (
	"time"

	"github.com/restatedb/partitiond/pkg/ids"
)

// TargetKind discriminates the three invocation-target shapes.
type TargetKind uint8

const (
	TargetService TargetKind = iota
	TargetVirtualObject
	TargetWorkflow
)

// VirtualObjectMode controls lock semantics for VirtualObject/Workflow targets.
type VirtualObjectMode uint8

const (
	ModeExclusive VirtualObjectMode = iota
	ModeShared
	ModeWorkflow
)

// Target identifies the service handler an invocation is addressed to.
type Target struct {
	Kind    TargetKind
	Name    string
	Key     string // set for VirtualObject/Workflow
	Handler string
	Mode    VirtualObjectMode // meaningful for VirtualObject/Workflow only
}

// ServiceID returns the locking/inbox key this target resolves to: its Name
// and Key, for every target kind.
func (t Target) ServiceID() ids.ServiceID {
	return ids.ServiceID{ServiceName: t.Name, Key: t.Key}
}

// IsKeyed reports whether this target is a VirtualObject or Workflow
// target, whatever its Mode. It does not look at Mode, so a shared handler
// is keyed too; callers that take the per-service_id lock check Mode
// themselves.
func (t Target) IsKeyed() bool {
	return t.Kind == TargetVirtualObject || t.Kind == TargetWorkflow
}

// SourceKind discriminates where an invocation originated.
type SourceKind uint8

const (
	SourceIngress SourceKind = iota
	SourceSubscription
	SourceService
	SourceInternal
)

// Source records the origin of an invocation, used to route the terminal
// response and for tracing.
type Source struct {
	Kind            SourceKind
	IngressRequest  string // SourceIngress
	SubscriptionID  string // SourceSubscription
	CallerID        ids.InvocationID // SourceService
	CallerEntryIdx  uint32           // SourceService: the Call entry on the caller's journal
	CallerTarget    Target           // SourceService
}

// SpanContext carries distributed-tracing identifiers. Cause, when set, is
// the invocation id that causally produced this one (e.g. a Call entry),
// modeled as an id rather than a live reference per the design notes on
// cyclic references.
type SpanContext struct {
	TraceID    [16]byte
	SpanID     [8]byte
	TraceState string
	Cause      *ids.InvocationID
}

// Status is the invocation lifecycle state (spec §4.4).
type Status uint8

const (
	StatusScheduled Status = iota
	StatusInboxed
	StatusInvoked
	StatusSuspended
	StatusCompleted
	// StatusFree is not stored: a Free invocation has no record.
)

func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "Scheduled"
	case StatusInboxed:
		return "Inboxed"
	case StatusInvoked:
		return "Invoked"
	case StatusSuspended:
		return "Suspended"
	case StatusCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// ResponseSinkKind discriminates response-sink targets.
type ResponseSinkKind uint8

const (
	SinkPartitionProcessor ResponseSinkKind = iota
	SinkIngress
)

// ResponseSink is where a terminal response is delivered. PartitionProcessor
// sinks address another invocation's journal entry by index, never a live
// pointer, per the design notes on cyclic references.
type ResponseSink struct {
	Kind          ResponseSinkKind
	CallerID      ids.InvocationID // SinkPartitionProcessor
	CallerEntryID uint32           // SinkPartitionProcessor
	RequestID     string           // SinkIngress
}

// ResultKind discriminates a terminal or entry-level result.
type ResultKind uint8

const (
	ResultEmpty ResultKind = iota
	ResultSuccess
	ResultFailure
)

// Result is used both for journal-entry completions and terminal invocation
// responses.
type Result struct {
	Kind    ResultKind
	Success []byte
	Code    uint16 // ResultFailure
	Message string // ResultFailure
}

// Header name/value pair, order-preserving.
type Header struct {
	Name  string
	Value string
}

// Timestamps tracks the monotonic, set-at-most-once transition instants
// plus the always-current modification_time.
type Timestamps struct {
	Creation           time.Time
	Modification       time.Time
	InboxedTransition  *time.Time
	ScheduledTransition *time.Time
	RunningTransition  *time.Time
	CompletedTransition *time.Time
}

// Invocation is the durable record for InvocationStatusTable.
type Invocation struct {
	ID                          ids.InvocationID
	Target                      Target
	Source                      Source
	Span                        SpanContext
	Status                      Status
	ResponseSinks               []ResponseSink
	Timestamps                  Timestamps
	Argument                    []byte
	Headers                     []Header
	ExecutionTime               *time.Time // non-nil while Scheduled
	CompletionRetention         time.Duration
	NeverClean                  bool // legacy Duration::MAX sentinel, see DESIGN.md
	IdempotencyKey              *string
	PinnedDeployment            *PinnedDeployment
	JournalLength               uint32
	WaitingForCompletedEntries  map[uint32]struct{}
	ResponseResult              *Result // set once Completed
}

// PinnedDeployment is chosen at first dispatch and kept for the invocation's
// lifetime.
type PinnedDeployment struct {
	DeploymentID    string
	ProtocolVersion uint32
}

// HeaderKind enumerates journal entry header kinds.
type HeaderKind uint8

const (
	HeaderInput HeaderKind = iota
	HeaderOutput
	HeaderGetState
	HeaderSetState
	HeaderClearState
	HeaderClearAllState
	HeaderGetStateKeys
	HeaderGetPromise
	HeaderPeekPromise
	HeaderCompletePromise
	HeaderSleep
	HeaderCall
	HeaderOneWayCall
	HeaderAwakeable
	HeaderCompleteAwakeable
	HeaderRun
	HeaderCancelInvocation
	HeaderGetCallInvocationId
	HeaderAttachInvocation
	HeaderGetInvocationOutput
	HeaderCustom
)

// EntryHeader describes a journal entry's kind and completion state.
type EntryHeader struct {
	Kind        HeaderKind
	CustomCode  uint16 // HeaderCustom only
	IsCompleted bool

	// Call/OneWayCall
	ResolvedTarget    *Target
	ResolvedServiceID  *ids.ServiceID
	RetentionDuration time.Duration

	// CompleteAwakeable
	TargetInvocation *ids.InvocationID
	TargetEntryIndex uint32
}

// JournalEntry is one committed step of an invocation's journal.
type JournalEntry struct {
	InvocationID ids.InvocationID
	EntryIndex   uint32
	Header       EntryHeader
	RawPayload   []byte
	Completion   *Result // set once the entry is completed, mirrors Header.IsCompleted
}

// InboxEntryKind discriminates inbox entry shapes.
type InboxEntryKind uint8

const (
	InboxInvocation InboxEntryKind = iota
	InboxStateMutation
)

// ExternalStateMutation is a user-initiated state patch queued via the
// inbox when its target service_id is locked.
type ExternalStateMutation struct {
	ServiceID ids.ServiceID
	Set       map[string][]byte
	ClearAll  bool
}

// InboxEntry is one queued item for a locked service_id, in strict FIFO
// order by SequenceNumber.
type InboxEntry struct {
	ServiceID      ids.ServiceID
	SequenceNumber uint64
	Kind           InboxEntryKind
	InvocationID   ids.InvocationID      // InboxInvocation
	Mutation       ExternalStateMutation // InboxStateMutation
}

// TerminationFlavor discriminates Kill (forced) vs Cancel (cooperative).
type TerminationFlavor uint8

const (
	TerminationKill TerminationFlavor = iota
	TerminationCancel
)

// OutboxMessageKind discriminates outbox message shapes.
type OutboxMessageKind uint8

const (
	OutboxServiceInvocation OutboxMessageKind = iota
	OutboxServiceResponse
	OutboxInvocationTermination
	OutboxAttachInvocation
)

// OutboxMessage is one entry of the per-partition ordered outbound queue.
type OutboxMessage struct {
	SequenceNumber uint64
	Kind           OutboxMessageKind

	// OutboxServiceInvocation
	Invocation *Invocation

	// OutboxServiceResponse
	TargetID   ids.InvocationID
	EntryIndex uint32
	Result     Result

	// OutboxInvocationTermination
	TerminationID     ids.InvocationID
	TerminationFlavor TerminationFlavor

	// OutboxAttachInvocation
	AttachQuery            ids.InvocationID
	AttachBlockOnInflight  bool
	AttachResponseSink     ResponseSink
}

// LockState discriminates Unlocked/Locked.
type LockState uint8

const (
	Unlocked LockState = iota
	Locked
)

// ServiceLock is the per-service_id exclusive-handler lock.
type ServiceLock struct {
	State        LockState
	InvocationID ids.InvocationID // valid when Locked
}

// PromiseState discriminates NotCompleted/Completed.
type PromiseState uint8

const (
	PromiseNotCompleted PromiseState = iota
	PromiseCompleted
)

// Promise is a per-(service_id, key) await-once value.
type Promise struct {
	ServiceID       ids.ServiceID
	Key             string
	State           PromiseState
	ListeningEntries []JournalEntryRef // PromiseNotCompleted
	Result          Result            // PromiseCompleted
}

// JournalEntryRef identifies a journal entry without holding a live pointer
// to its invocation.
type JournalEntryRef struct {
	InvocationID ids.InvocationID
	EntryIndex   uint32
}

// IdempotencyRecord maps a caller-supplied idempotency key to the
// invocation it produced.
type IdempotencyRecord struct {
	ServiceName  string
	Handler      string
	Key          string
	InvocationID ids.InvocationID
}

// TimerKind discriminates timer payload shapes.
type TimerKind uint8

const (
	TimerCompleteJournalEntry TimerKind = iota
	TimerInvoke
	TimerNeoInvoke
	TimerCleanInvocationStatus
)

// Timer is a due-time-ordered entry in TimerTable. Due ties are broken by
// (InvocationID, EntryIndex) lexicographically, per spec §4.4.
type Timer struct {
	DueTime      time.Time
	InvocationID ids.InvocationID
	EntryIndex   uint32
	Kind         TimerKind

	CompleteResult  Result     // TimerCompleteJournalEntry
	Invoke          *Invocation // TimerInvoke
}

// DedupSequenceNumber is either a bare monotonic sequence number or an
// (epoch, sequence_number) pair, per the EpochSequenceNumber shape recovered
// from the original implementation.
type DedupSequenceNumber struct {
	Epoch          *uint64
	SequenceNumber uint64
}

// FsmCounters are the per-partition monotonic counters tracked in FsmTable.
type FsmCounters struct {
	LastAppliedLSN uint64
	OutboxHead     uint64
	InboxHead      uint64
	LeaderEpoch    uint64
}
