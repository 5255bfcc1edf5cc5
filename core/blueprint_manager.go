package core

// BlueprintManager is the top-level reconciler: it consumes chain events,
// computes desired state, and drives SourceFetcher + ProcessSupervisor to
// match it, diffing desired against active services and spawning,
// terminating, or respawning as needed.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// backoffInitial/backoffCap implement the per-service crash restart
// backoff applied by checkCrashedAndCleanup.
const (
	backoffInitial = time.Second
	backoffCap     = 60 * time.Second

	// maxLogFileBytes bounds a blueprint's captured stdout/stderr before
	// rotatingSink truncates it.
	maxLogFileBytes = 64 << 20
)

// RunningService is one active (blueprintId, serviceId) entry.
type RunningService struct {
	Handle       *ProcessHandle
	ResourceLims ResourceLimits
	SourceHash   [32]byte

	backoff      time.Duration
	lastCrash    time.Time
	registration bool
}

// BlueprintManager reconciles active blueprints against on-chain desired
// state. It is the sole owner of its active/desired maps; no other
// component mutates them directly.
type BlueprintManager struct {
	fetcher    *SourceFetcher
	supervisor *ProcessSupervisor
	cacheDir   string
	log        *logrus.Entry

	mu     sync.Mutex
	active map[BlueprintId]map[ServiceId]*RunningService

	// desired tracks the last chain-observed membership per blueprint.
	desired  map[BlueprintId]map[ServiceId]struct{}
	catalog  map[BlueprintId]FilteredBlueprint
}

// NewBlueprintManager constructs an empty manager.
func NewBlueprintManager(fetcher *SourceFetcher, supervisor *ProcessSupervisor, cacheDir string, log *logrus.Entry) *BlueprintManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BlueprintManager{
		fetcher:    fetcher,
		supervisor: supervisor,
		cacheDir:   cacheDir,
		log:        log.WithField("component", "blueprint_manager"),
		active:     make(map[BlueprintId]map[ServiceId]*RunningService),
		desired:    make(map[BlueprintId]map[ServiceId]struct{}),
		catalog:    make(map[BlueprintId]FilteredBlueprint),
	}
}

// ObserveBlueprint records (or updates) a blueprint this operator serves.
func (m *BlueprintManager) ObserveBlueprint(fb FilteredBlueprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[fb.BlueprintId] = fb
	set, ok := m.desired[fb.BlueprintId]
	if !ok {
		set = make(map[ServiceId]struct{})
		m.desired[fb.BlueprintId] = set
	}
	for _, sid := range fb.Services {
		set[sid] = struct{}{}
	}
}

// ObserveServiceInitiated marks a service as desired.
func (m *BlueprintManager) ObserveServiceInitiated(bid BlueprintId, sid ServiceId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.desired[bid]
	if !ok {
		set = make(map[ServiceId]struct{})
		m.desired[bid] = set
	}
	set[sid] = struct{}{}
}

// ObserveServiceTerminated marks a service as no longer desired.
func (m *BlueprintManager) ObserveServiceTerminated(bid BlueprintId, sid ServiceId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.desired[bid]; ok {
		delete(set, sid)
		if len(set) == 0 {
			delete(m.desired, bid)
		}
	}
}

// Reconcile runs one collect/diff/spawn/terminate/cleanup pass. It is
// idempotent and safe to call repeatedly (e.g. on a timer, in addition to
// being triggered per chain-event batch).
func (m *BlueprintManager) Reconcile(ctx context.Context) {
	toSpawn, toTerminate := m.diff()

	for _, st := range toSpawn {
		m.spawn(ctx, st.bid, st.sid)
	}
	for _, st := range toTerminate {
		m.terminate(st.bid, st.sid)
	}
	m.checkCrashedAndCleanup(ctx)
}

type serviceTuple struct {
	bid BlueprintId
	sid ServiceId
}

func (m *BlueprintManager) diff() (toSpawn, toTerminate []serviceTuple) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for bid, sids := range m.desired {
		for sid := range sids {
			if _, ok := m.active[bid][sid]; !ok {
				toSpawn = append(toSpawn, serviceTuple{bid, sid})
			}
		}
	}
	for bid, svcs := range m.active {
		for sid := range svcs {
			if _, ok := m.desired[bid][sid]; !ok {
				toTerminate = append(toTerminate, serviceTuple{bid, sid})
			}
		}
	}
	return toSpawn, toTerminate
}

func (m *BlueprintManager) spawn(ctx context.Context, bid BlueprintId, sid ServiceId) {
	m.mu.Lock()
	fb, ok := m.catalog[bid]
	m.mu.Unlock()
	if !ok {
		m.log.WithField("blueprint_id", bid).Warn("spawn requested for unknown blueprint")
		return
	}

	binPath, err := m.fetcher.Fetch(ctx, fb.Sources)
	if err != nil {
		m.log.WithError(err).WithField("blueprint_id", bid).Warn("source fetch failed, deferring spawn")
		return
	}

	workDir := filepath.Join(m.cacheDir, fmt.Sprintf("run-%d-%d", bid, sid))
	os.MkdirAll(workDir, 0o755)

	stdout, err := rotatingSink(filepath.Join(workDir, "stdout.log"), maxLogFileBytes)
	if err != nil {
		m.log.WithError(err).WithField("blueprint_id", bid).Warn("could not open stdout sink, discarding output")
	}
	stderr, err := rotatingSink(filepath.Join(workDir, "stderr.log"), maxLogFileBytes)
	if err != nil {
		m.log.WithError(err).WithField("blueprint_id", bid).Warn("could not open stderr sink, discarding output")
	}

	spec := SpawnSpec{
		BinaryPath: binPath,
		Env: map[string]string{
			"BLUEPRINT_ID": fmt.Sprintf("%d", bid),
			"SERVICE_ID":   fmt.Sprintf("%d", sid),
		},
		WorkDir: workDir,
		Stdout:  stdout,
		Stderr:  stderr,
	}
	handle, err := m.supervisor.Spawn(spec)
	if err != nil {
		m.log.WithError(err).WithField("blueprint_id", bid).Error("spawn failed")
		return
	}

	m.mu.Lock()
	if _, ok := m.active[bid]; !ok {
		m.active[bid] = make(map[ServiceId]*RunningService)
	}
	m.active[bid][sid] = &RunningService{
		Handle:       handle,
		backoff:      backoffInitial,
		registration: sid == RegistrationSentinelService,
	}
	m.mu.Unlock()
}

func (m *BlueprintManager) terminate(bid BlueprintId, sid ServiceId) {
	m.mu.Lock()
	rs, ok := m.active[bid][sid]
	if ok {
		delete(m.active[bid], sid)
		if len(m.active[bid]) == 0 {
			delete(m.active, bid)
		}
	}
	m.mu.Unlock()
	if ok {
		rs.Handle.Abort()
	}
}

// checkCrashedAndCleanup respawns, within this same pass, every service
// whose status is terminal-unsuccessful once its per-service exponential
// backoff has elapsed, and drops finished registration services.
func (m *BlueprintManager) checkCrashedAndCleanup(ctx context.Context) {
	type crashed struct {
		bid BlueprintId
		sid ServiceId
		rs  *RunningService
	}
	var toRespawn []crashed

	m.mu.Lock()
	for bid, svcs := range m.active {
		for sid, rs := range svcs {
			status := rs.Handle.Status()
			if !status.Terminal() {
				continue
			}
			if rs.registration && status == StatusFinished {
				delete(svcs, sid)
				if set, ok := m.desired[bid]; ok {
					delete(set, sid)
					if len(set) == 0 {
						delete(m.desired, bid)
					}
				}
				continue
			}
			if status != StatusError && status != StatusUnknown {
				continue
			}
			if time.Since(rs.lastCrash) < rs.backoff {
				continue
			}
			toRespawn = append(toRespawn, crashed{bid, sid, rs})
		}
		if len(svcs) == 0 {
			delete(m.active, bid)
		}
	}
	for _, c := range toRespawn {
		delete(m.active[c.bid], c.sid)
	}
	m.mu.Unlock()

	for _, c := range toRespawn {
		nextBackoff := c.rs.backoff * 2
		if nextBackoff > backoffCap {
			nextBackoff = backoffCap
		}
		m.log.WithFields(logrus.Fields{"blueprint_id": c.bid, "service_id": c.sid, "backoff": nextBackoff}).
			Warn("service crashed, respawning")
		m.spawnWithBackoff(ctx, c.bid, c.sid, nextBackoff)
	}
}

func (m *BlueprintManager) spawnWithBackoff(ctx context.Context, bid BlueprintId, sid ServiceId, nextBackoff time.Duration) {
	m.spawn(ctx, bid, sid)
	m.mu.Lock()
	if rs, ok := m.active[bid][sid]; ok {
		rs.backoff = nextBackoff
		rs.lastCrash = time.Now()
	}
	m.mu.Unlock()
}

// Snapshot returns the blueprint/service IDs currently active, for
// diagnostics and tests.
func (m *BlueprintManager) Snapshot() map[BlueprintId][]ServiceId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[BlueprintId][]ServiceId, len(m.active))
	for bid, svcs := range m.active {
		ids := make([]ServiceId, 0, len(svcs))
		for sid := range svcs {
			ids = append(ids, sid)
		}
		out[bid] = ids
	}
	return out
}

// Shutdown aborts every active service, used by the Supervisor loop on
// process shutdown.
func (m *BlueprintManager) Shutdown() {
	m.mu.Lock()
	var handles []*ProcessHandle
	for _, svcs := range m.active {
		for _, rs := range svcs {
			handles = append(handles, rs.Handle)
		}
	}
	m.active = make(map[BlueprintId]map[ServiceId]*RunningService)
	m.mu.Unlock()
	for _, h := range handles {
		h.Abort()
	}
}
