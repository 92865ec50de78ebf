package syncmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/amaydixit11/formvault/internal/datamanager"
	"github.com/amaydixit11/formvault/internal/entitystore"
	"github.com/amaydixit11/formvault/internal/eventstore"
	"github.com/amaydixit11/formvault/internal/logging"
	"github.com/amaydixit11/formvault/internal/model"
)

// State is a position in the sync state machine.
type State int

const (
	Idle State = iota
	Pushing
	Pulling
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pushing:
		return "pushing"
	case Pulling:
		return "pulling"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultPageSize is the push/pull chunk size used when Config.PageSize
// is zero.
const DefaultPageSize = 10

// Config tunes one InternalSyncManager instance.
type Config struct {
	PageSize int
	Logger   logging.Logger
}

// Manager runs the bidirectional push-then-pull sync protocol for one
// tenant. Not safe for concurrent Sync calls from the same instance:
// the is_syncing latch makes a second concurrent call return
// AlreadyRunning rather than interleave with the first.
type Manager struct {
	events    *eventstore.Store
	entities  *entitystore.Store
	applier   *datamanager.Manager
	transport Transport
	pageSize  int
	log       logging.Logger

	mu        sync.Mutex
	isSyncing bool
	state     State
}

// New constructs a Manager over already-initialized stores, a
// datamanager.Manager for applying pulled events, and a Transport.
func New(events *eventstore.Store, entities *entitystore.Store, applier *datamanager.Manager, transport Transport, cfg Config) *Manager {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop
	}
	return &Manager{
		events:    events,
		entities:  entities,
		applier:   applier,
		transport: transport,
		pageSize:  pageSize,
		log:       log,
		state:     Idle,
	}
}

// State reports the manager's current position in the state machine.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Sync runs one full push-then-pull cycle. A concurrent call while one
// is already in flight returns ErrAlreadyRunning immediately, doing no
// work.
func (m *Manager) Sync(ctx context.Context) error {
	if !m.tryEnter() {
		return model.ErrAlreadyRunning
	}
	defer m.leave()

	hasDuplicates, err := m.entities.HasUnresolvedDuplicates(ctx)
	if err != nil {
		m.setState(Failed)
		return fmt.Errorf("check duplicate candidates: %w", err)
	}
	if hasDuplicates {
		m.setState(Idle)
		return model.ErrDuplicatesBlockSync
	}

	m.setState(Pushing)
	if err := m.push(ctx); err != nil {
		m.setState(Failed)
		return fmt.Errorf("push phase: %w", err)
	}
	if err := m.pushAudit(ctx); err != nil {
		m.setState(Failed)
		return fmt.Errorf("push audit phase: %w", err)
	}

	m.setState(Pulling)
	if err := m.pull(ctx); err != nil {
		m.setState(Failed)
		return fmt.Errorf("pull phase: %w", err)
	}
	if err := m.pullAudit(ctx); err != nil {
		m.setState(Failed)
		return fmt.Errorf("pull audit phase: %w", err)
	}

	m.setState(Complete)
	return nil
}

func (m *Manager) tryEnter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isSyncing {
		return false
	}
	m.isSyncing = true
	return true
}

func (m *Manager) leave() {
	m.mu.Lock()
	m.isSyncing = false
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// push sends every LOCAL event in fixed-size pages. A page failure
// aborts the sync with no partial advancement beyond already-acked
// pages.
func (m *Manager) push(ctx context.Context) error {
	pending, err := m.events.EventsWithSyncLevel(ctx, model.SyncLocal)
	if err != nil {
		return fmt.Errorf("list pending events: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var latestTimestamp string
	for start := 0; start < len(pending); start += m.pageSize {
		end := start + m.pageSize
		if end > len(pending) {
			end = len(pending)
		}
		page := pending[start:end]

		ack, err := m.transport.Push(ctx, page)
		if err != nil {
			return fmt.Errorf("push page [%d:%d]: %w", start, end, err)
		}

		if err := m.events.AdvanceSyncLevel(ctx, ack.AcceptedGuids, model.SyncSynced); err != nil {
			return fmt.Errorf("advance sync level for pushed page: %w", err)
		}

		for _, ev := range page {
			if ev.Timestamp > latestTimestamp {
				latestTimestamp = ev.Timestamp
			}
		}
	}

	if latestTimestamp != "" {
		if err := m.events.SetLastLocalSync(ctx, latestTimestamp); err != nil {
			return fmt.Errorf("advance last_local_sync: %w", err)
		}
	}
	return nil
}

// pull paginates through the remote log from last_remote_sync,
// skipping events already present (idempotent by guid) and applying
// the rest through the datamanager façade at sync_level=REMOTE.
func (m *Manager) pull(ctx context.Context) error {
	cursors, err := m.events.Cursors(ctx)
	if err != nil {
		return fmt.Errorf("load sync cursors: %w", err)
	}

	cursor := cursors.LastRemoteSync
	var latestSeen string

	for {
		page, err := m.transport.Pull(ctx, cursor, m.pageSize)
		if err != nil {
			return fmt.Errorf("pull page since %q: %w", cursor, err)
		}

		for _, ev := range page.Events {
			existed, err := m.events.IsEventExisted(ctx, ev.Guid)
			if err != nil {
				return fmt.Errorf("check existence of pulled event %s: %w", ev.Guid, err)
			}
			if existed {
				continue
			}
			if _, err := m.applier.ApplyRemoteForm(ctx, ev); err != nil {
				return fmt.Errorf("apply pulled event %s: %w", ev.Guid, err)
			}
			if ev.Timestamp > latestSeen {
				latestSeen = ev.Timestamp
			}
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if latestSeen != "" {
		if err := m.events.SetLastRemoteSync(ctx, latestSeen); err != nil {
			return fmt.Errorf("advance last_remote_sync: %w", err)
		}
	}
	return nil
}

// pushAudit mirrors the tenant's audit trail recorded since the last
// external push to the remote peer, the §6.3 capability the event push
// phase has no equivalent visibility into (audit entries record who
// applied what, not just the resulting event).
func (m *Manager) pushAudit(ctx context.Context) error {
	cursors, err := m.events.Cursors(ctx)
	if err != nil {
		return fmt.Errorf("load sync cursors: %w", err)
	}

	entries, err := m.events.GetAuditTrailSince(ctx, cursors.LastPushExternal)
	if err != nil {
		return fmt.Errorf("list audit entries since %q: %w", cursors.LastPushExternal, err)
	}
	if len(entries) == 0 {
		return nil
	}

	if err := m.transport.PushAudit(ctx, entries); err != nil {
		return fmt.Errorf("push audit entries: %w", err)
	}

	latest := cursors.LastPushExternal
	for _, a := range entries {
		if a.Timestamp > latest {
			latest = a.Timestamp
		}
	}
	if err := m.events.SetLastPushExternal(ctx, latest); err != nil {
		return fmt.Errorf("advance last_push_external: %w", err)
	}
	return nil
}

// pullAudit fetches the remote peer's audit trail recorded since the
// last external pull and appends it to the local audit log, the
// receiving half of the same §6.3 capability pushAudit exercises.
func (m *Manager) pullAudit(ctx context.Context) error {
	cursors, err := m.events.Cursors(ctx)
	if err != nil {
		return fmt.Errorf("load sync cursors: %w", err)
	}

	entries, err := m.transport.PullAudit(ctx, cursors.LastPullExternal)
	if err != nil {
		return fmt.Errorf("pull audit entries since %q: %w", cursors.LastPullExternal, err)
	}
	if len(entries) == 0 {
		return nil
	}

	if err := m.events.SaveAuditLog(ctx, entries); err != nil {
		return fmt.Errorf("save pulled audit entries: %w", err)
	}

	latest := cursors.LastPullExternal
	for _, a := range entries {
		if a.Timestamp > latest {
			latest = a.Timestamp
		}
	}
	if err := m.events.SetLastPullExternal(ctx, latest); err != nil {
		return fmt.Errorf("advance last_pull_external: %w", err)
	}
	return nil
}
