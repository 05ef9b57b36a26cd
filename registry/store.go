package registry

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmlb/llmlb/detect"
	"github.com/llmlb/llmlb/types"
)

// CreateSpec is the operator-supplied input to Store.Create.
type CreateSpec struct {
	Name                    string
	BaseURL                 string
	APIKey                  string
	Notes                   string
	Capabilities            []string
	HealthCheckIntervalSecs int
	InferenceTimeoutSecs    int
}

// UpdatePatch describes a partial mutation to an existing endpoint. Nil
// fields are left unchanged.
type UpdatePatch struct {
	Name                    *string
	BaseURL                 *string
	APIKey                  *string
	Notes                   *string
	HealthCheckIntervalSecs *int
	InferenceTimeoutSecs    *int
	ManualType              *types.EndpointType
}

// Filter narrows Store.List results.
type Filter struct {
	Status     *types.EndpointStatus
	Type       *types.EndpointType
	Capability *types.Capability
}

func (f Filter) matches(e types.Endpoint) bool {
	if f.Status != nil && e.Status != *f.Status {
		return false
	}
	if f.Type != nil && e.Type != *f.Type {
		return false
	}
	if f.Capability != nil && !e.HasCapability(*f.Capability) {
		return false
	}
	return true
}

const (
	defaultHealthCheckIntervalSecs = 30
	defaultInferenceTimeoutSecs    = 120
)

// Store is the authoritative endpoint registry: gorm-backed persistence
// guarded by a single-writer path, with reads served from an in-memory
// snapshot refreshed synchronously on every write (invariant: readers never
// observe a write half-applied). Mutations publish on Bus so the
// dispatcher's routing cache and the health prober can invalidate.
type Store struct {
	db     *gorm.DB
	bus    *Bus
	logger *zap.Logger

	mu       sync.RWMutex
	snapshot map[string]types.Endpoint
	byName   map[string]string // lower(name) -> id
}

// NewStore migrates the endpoint tables and loads the initial snapshot.
func NewStore(db *gorm.DB, bus *Bus, logger *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&types.Endpoint{}, &types.EndpointModel{}, &types.EndpointHealthCheck{}); err != nil {
		return nil, err
	}
	s := &Store{db: db, bus: bus, logger: logger, snapshot: map[string]types.Endpoint{}, byName: map[string]string{}}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	var endpoints []types.Endpoint
	if err := s.db.Find(&endpoints).Error; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = make(map[string]types.Endpoint, len(endpoints))
	s.byName = make(map[string]string, len(endpoints))
	for _, e := range endpoints {
		s.snapshot[e.ID] = e
		s.byName[strings.ToLower(e.Name)] = e.ID
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return types.NewInvalidRequestError("base_url must be a valid absolute http(s) URL")
	}
	return nil
}

// Create validates spec, probes the host for its dialect (§4.2), and
// persists the endpoint. A host with no HTTP response at all is rejected
// outright (invariant 7); a reachable-but-unrecognized host is persisted
// with type=unknown, status=pending.
func (s *Store) Create(ctx context.Context, spec CreateSpec) (*types.Endpoint, error) {
	if spec.Name == "" {
		return nil, types.NewInvalidRequestError("name is required")
	}
	if err := validateBaseURL(spec.BaseURL); err != nil {
		return nil, err
	}

	s.mu.RLock()
	_, exists := s.byName[strings.ToLower(spec.Name)]
	s.mu.RUnlock()
	if exists {
		return nil, types.NewInvalidRequestError("endpoint name already registered")
	}

	result := detect.Detect(ctx, spec.BaseURL, spec.APIKey)
	if result.Outcome == detect.OutcomeUnreachable {
		return nil, types.NewBadGatewayError("endpoint is unreachable").WithCode("unreachable").WithCause(errString(result.Reason))
	}

	capabilities := spec.Capabilities
	if len(capabilities) == 0 {
		capabilities = []string{string(types.CapabilityChat)}
	}

	now := time.Now()
	endpoint := types.Endpoint{
		ID:                      uuid.NewString(),
		Name:                    spec.Name,
		BaseURL:                 spec.BaseURL,
		APIKey:                  spec.APIKey,
		Type:                    result.Type,
		TypeSource:              types.TypeSourceAuto,
		Notes:                   spec.Notes,
		Capabilities:            types.NewStringSet(capabilities...),
		RegisteredAt:            now,
		HealthCheckIntervalSecs: orDefault(spec.HealthCheckIntervalSecs, defaultHealthCheckIntervalSecs),
		InferenceTimeoutSecs:    orDefault(spec.InferenceTimeoutSecs, defaultInferenceTimeoutSecs),
	}
	if result.Outcome == detect.OutcomeMatched {
		endpoint.Status = types.StatusOnline
		endpoint.LastSeen = &now
	} else {
		endpoint.Status = types.StatusPending
	}

	s.mu.Lock()
	if err := s.db.Create(&endpoint).Error; err != nil {
		s.mu.Unlock()
		return nil, types.NewServerError("failed to persist endpoint").WithCause(err)
	}
	s.snapshot[endpoint.ID] = endpoint
	s.byName[strings.ToLower(endpoint.Name)] = endpoint.ID
	s.mu.Unlock()

	s.bus.Publish(Change{Kind: ChangeCreated, Endpoint: endpoint})
	return &endpoint, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// errString turns a diagnostic string into an error for Cause attachment.
type errString string

func (e errString) Error() string { return string(e) }

// Get returns the endpoint by id from the in-memory snapshot.
func (s *Store) Get(id string) (*types.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.snapshot[id]
	if !ok {
		return nil, false
	}
	return &e, true
}

// GetByName returns the endpoint by its unique name.
func (s *Store) GetByName(name string) (*types.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	e := s.snapshot[id]
	return &e, true
}

// List returns every endpoint matching filter, in no particular order.
func (s *Store) List(filter Filter) []types.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Endpoint, 0, len(s.snapshot))
	for _, e := range s.snapshot {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Update applies patch to the endpoint identified by id. Changing base_url
// or the manual type override clears error bookkeeping and asks callers to
// re-probe immediately (Change.Reprobe).
func (s *Store) Update(id string, patch UpdatePatch) (*types.Endpoint, error) {
	s.mu.Lock()
	e, ok := s.snapshot[id]
	if !ok {
		s.mu.Unlock()
		return nil, types.NewNotFoundError("endpoint not found")
	}

	reprobe := false
	if patch.Name != nil {
		delete(s.byName, strings.ToLower(e.Name))
		e.Name = *patch.Name
		s.byName[strings.ToLower(e.Name)] = id
	}
	if patch.BaseURL != nil && *patch.BaseURL != e.BaseURL {
		e.BaseURL = *patch.BaseURL
		e.ErrorCount = 0
		e.LastError = ""
		reprobe = true
	}
	if patch.APIKey != nil {
		e.APIKey = *patch.APIKey
	}
	if patch.Notes != nil {
		e.Notes = *patch.Notes
	}
	if patch.HealthCheckIntervalSecs != nil {
		e.HealthCheckIntervalSecs = *patch.HealthCheckIntervalSecs
	}
	if patch.InferenceTimeoutSecs != nil {
		e.InferenceTimeoutSecs = *patch.InferenceTimeoutSecs
	}
	if patch.ManualType != nil {
		e.Type = *patch.ManualType
		e.TypeSource = types.TypeSourceManual
		e.ErrorCount = 0
		e.LastError = ""
		reprobe = true
	}

	if err := s.db.Save(&e).Error; err != nil {
		s.mu.Unlock()
		return nil, types.NewServerError("failed to persist endpoint update").WithCause(err)
	}
	s.snapshot[id] = e
	s.mu.Unlock()

	s.bus.Publish(Change{Kind: ChangeUpdated, Endpoint: e, Reprobe: reprobe})
	return &e, nil
}

// Delete removes the endpoint and its catalog rows. Health-check history is
// retained, matching the round-trip property in §8.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.snapshot[id]
	if !ok {
		s.mu.Unlock()
		return types.NewNotFoundError("endpoint not found")
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint_id = ?", id).Delete(&types.EndpointModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&types.Endpoint{}, "id = ?", id).Error
	})
	if err != nil {
		s.mu.Unlock()
		return types.NewServerError("failed to delete endpoint").WithCause(err)
	}
	delete(s.snapshot, id)
	delete(s.byName, strings.ToLower(e.Name))
	s.mu.Unlock()

	s.bus.Publish(Change{Kind: ChangeDeleted, Endpoint: e})
	return nil
}

// failureStatusTransition implements the §4.3 failure state transition
// table: two consecutive failures from a previously-healthy state demote an
// endpoint to offline.
func failureStatusTransition(before types.EndpointStatus, errorCount int) types.EndpointStatus {
	switch before {
	case types.StatusOnline, types.StatusError:
		if errorCount >= 2 {
			return types.StatusOffline
		}
		return types.StatusError
	default: // pending, offline
		return types.StatusOffline
	}
}

// RecordProbe atomically applies one health-probe outcome under the rules
// of §4.3 and appends a health-check history row. It returns the resulting
// status.
func (s *Store) RecordProbe(id string, success bool, latencyMs int64, errMsg string, gpu *types.GPUSnapshot) (types.EndpointStatus, error) {
	s.mu.Lock()
	e, ok := s.snapshot[id]
	if !ok {
		s.mu.Unlock()
		return "", types.NewNotFoundError("endpoint not found")
	}

	before := e.Status
	hc := types.EndpointHealthCheck{
		EndpointID:   id,
		CheckedAt:    time.Now(),
		Success:      success,
		StatusBefore: before,
	}

	if success {
		e.Status = types.StatusOnline
		e.ErrorCount = 0
		e.LastError = ""
		now := time.Now()
		e.LastSeen = &now
		e.LatencyMs = latencyMs
		if gpu != nil {
			e.GPUSnapshot = *gpu
		}
		hc.LatencyMs = &latencyMs
	} else {
		e.ErrorCount++
		e.LastError = errMsg
		e.Status = failureStatusTransition(before, e.ErrorCount)
		hc.ErrorMessage = errMsg
	}
	hc.StatusAfter = e.Status

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&e).Error; err != nil {
			return err
		}
		return tx.Create(&hc).Error
	})
	if err != nil {
		s.mu.Unlock()
		return "", types.NewServerError("failed to record probe result").WithCause(err)
	}
	s.snapshot[id] = e
	s.mu.Unlock()

	if before != e.Status {
		s.bus.Publish(Change{Kind: ChangeStatusChanged, Endpoint: e})
	}
	return e.Status, nil
}

// PurgeHealthHistory deletes health-check rows checked before cutoff,
// per §4.3's retention horizon for probe history.
func (s *Store) PurgeHealthHistory(cutoff time.Time) (int64, error) {
	result := s.db.Where("checked_at < ?", cutoff).Delete(&types.EndpointHealthCheck{})
	if result.Error != nil {
		return 0, types.NewServerError("failed to purge health history").WithCause(result.Error)
	}
	return result.RowsAffected, nil
}

// UpgradeType promotes a previously-unknown endpoint's type once a
// successful probe allows re-detection (§4.3: "if the endpoint's previous
// type was unknown, re-run detection and upgrade the type if discovered").
func (s *Store) UpgradeType(id string, newType types.EndpointType) error {
	s.mu.Lock()
	e, ok := s.snapshot[id]
	if !ok || e.Type != types.EndpointUnknown || newType == types.EndpointUnknown {
		s.mu.Unlock()
		return nil
	}
	e.Type = newType
	if err := s.db.Model(&types.Endpoint{}).Where("id = ?", id).Update("type", newType).Error; err != nil {
		s.mu.Unlock()
		return types.NewServerError("failed to upgrade endpoint type").WithCause(err)
	}
	s.snapshot[id] = e
	s.mu.Unlock()

	s.bus.Publish(Change{Kind: ChangeUpdated, Endpoint: e})
	return nil
}
