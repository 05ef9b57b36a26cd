package types

import (
	"encoding/json"
	"time"
)

// EndpointType identifies the upstream inference server dialect.
type EndpointType string

const (
	EndpointXLLM             EndpointType = "xllm"
	EndpointLMStudio         EndpointType = "lm_studio"
	EndpointOllama           EndpointType = "ollama"
	EndpointVLLM             EndpointType = "vllm"
	EndpointOpenAICompatible EndpointType = "openai_compatible"
	EndpointUnknown          EndpointType = "unknown"
)

// TypeSource records whether EndpointType was probed or pinned by an operator.
type TypeSource string

const (
	TypeSourceAuto   TypeSource = "auto"
	TypeSourceManual TypeSource = "manual"
)

// EndpointStatus is the endpoint's current health-derived lifecycle state.
type EndpointStatus string

const (
	StatusPending EndpointStatus = "pending"
	StatusOnline  EndpointStatus = "online"
	StatusOffline EndpointStatus = "offline"
	StatusError   EndpointStatus = "error"
)

// Capability is a request kind an endpoint can serve.
type Capability string

const (
	CapabilityChat               Capability = "chat"
	CapabilityEmbeddings         Capability = "embeddings"
	CapabilityImageGeneration    Capability = "image_generation"
	CapabilityAudioTranscription Capability = "audio_transcription"
	CapabilityAudioSpeech        Capability = "audio_speech"
)

// SupportedAPI is an OpenAI-protocol surface a model responds to.
type SupportedAPI string

const (
	APIChatCompletions SupportedAPI = "chat_completions"
	APIResponses       SupportedAPI = "responses"
	APIEmbeddings      SupportedAPI = "embeddings"
)

// GPUSnapshot is the most recent device telemetry reported by an endpoint's
// health payload, when it carries one.
type GPUSnapshot struct {
	DeviceCount      int     `json:"device_count"`
	TotalMemoryBytes int64   `json:"total_memory_bytes"`
	UsedMemoryBytes  int64   `json:"used_memory_bytes"`
	CapabilityScore  float64 `json:"capability_score"`
	ActiveRequests   int     `json:"active_requests"`
}

// Endpoint is a registered upstream inference server.
type Endpoint struct {
	ID          string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name        string       `json:"name" gorm:"uniqueIndex;not null"`
	BaseURL     string       `json:"base_url" gorm:"not null"`
	APIKey      string       `json:"-" gorm:"column:api_key"`
	Type        EndpointType `json:"endpoint_type" gorm:"index"`
	TypeSource  TypeSource   `json:"type_source"`
	Status      EndpointStatus `json:"status" gorm:"index"`

	HealthCheckIntervalSecs int `json:"health_check_interval_secs"`
	InferenceTimeoutSecs    int `json:"inference_timeout_secs"`

	LatencyMs  int64      `json:"latency_ms"`
	LastSeen   *time.Time `json:"last_seen"`
	LastError  string     `json:"last_error"`
	ErrorCount int        `json:"error_count"`

	RegisteredAt time.Time `json:"registered_at"`
	Notes        string    `json:"notes"`

	Capabilities StringSet `json:"capabilities" gorm:"serializer:json"`

	GPUSnapshot `json:"gpu" gorm:"embedded;embeddedPrefix:gpu_"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// TableName pins the gorm table name regardless of struct renames.
func (Endpoint) TableName() string { return "endpoints" }

// HasCapability reports whether the endpoint advertises cap.
func (e *Endpoint) HasCapability(cap Capability) bool {
	return e.Capabilities.Contains(string(cap))
}

// StringSet is a small string-set type with JSON-array wire form, used for
// Endpoint.Capabilities and similar small unordered collections.
type StringSet map[string]struct{}

// NewStringSet builds a StringSet from the given members.
func NewStringSet(members ...string) StringSet {
	s := make(StringSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// Contains reports whether v is a member of the set.
func (s StringSet) Contains(v string) bool {
	_, ok := s[v]
	return ok
}

// Slice returns the set's members in no particular order.
func (s StringSet) Slice() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// MarshalJSON encodes the set as a JSON array of its members.
func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON decodes a JSON array into the set.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	*s = NewStringSet(members...)
	return nil
}

// EndpointModel is a per-endpoint catalog row advertising one served model.
type EndpointModel struct {
	EndpointID     string       `json:"endpoint_id" gorm:"primaryKey;type:varchar(36)"`
	ModelID        string       `json:"model_id" gorm:"primaryKey"`
	SupportedAPIs  StringSet    `json:"supported_apis" gorm:"serializer:json"`
	Capabilities   StringSet    `json:"capabilities" gorm:"serializer:json"`
	MaxTokens      *int         `json:"max_tokens"`
	LastChecked    time.Time    `json:"last_checked"`
}

// TableName pins the gorm table name.
func (EndpointModel) TableName() string { return "endpoint_models" }

// EndpointHealthCheck is one append-only health-probe history entry.
type EndpointHealthCheck struct {
	ID           uint64         `json:"id" gorm:"primaryKey;autoIncrement"`
	EndpointID   string         `json:"endpoint_id" gorm:"index;type:varchar(36)"`
	CheckedAt    time.Time      `json:"checked_at"`
	Success      bool           `json:"success"`
	LatencyMs    *int64         `json:"latency_ms,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StatusBefore EndpointStatus `json:"status_before"`
	StatusAfter  EndpointStatus `json:"status_after"`
}

// TableName pins the gorm table name.
func (EndpointHealthCheck) TableName() string { return "endpoint_health_checks" }

// ActorKind identifies who originated an audited request.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAPIKey ActorKind = "api_key"
	ActorSystem ActorKind = "system"
)

// AuditLogEntry is one append-only audit record for a completed request.
type AuditLogEntry struct {
	ID         uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	ActorKind  ActorKind `json:"actor_kind"`
	ActorID    string    `json:"actor_id"`
	ClientIP   string    `json:"client_ip"`
	DurationMs int64     `json:"duration_ms"`
	TokenUsage TokenUsage `json:"token_usage" gorm:"embedded;embeddedPrefix:tokens_"`
	Model      string    `json:"model"`
	EndpointID string    `json:"endpoint_id"`
	Detail     string    `json:"detail,omitempty"`
	BatchID    *uint64   `json:"batch_id,omitempty" gorm:"index"`
}

// TableName pins the gorm table name.
func (AuditLogEntry) TableName() string { return "audit_log_entries" }

// AuditBatchHash is one sealed, hash-chained link of audit entries.
type AuditBatchHash struct {
	SequenceNumber uint64    `json:"sequence_number" gorm:"primaryKey;autoIncrement:false"`
	BatchStart     time.Time `json:"batch_start"`
	BatchEnd       time.Time `json:"batch_end"`
	RecordCount    int       `json:"record_count"`
	Hash           string    `json:"hash" gorm:"type:varchar(64)"`
	PreviousHash   string    `json:"previous_hash" gorm:"type:varchar(64)"`
}

// TableName pins the gorm table name.
func (AuditBatchHash) TableName() string { return "audit_batch_hashes" }

// GenesisHash is the fixed previous_hash of the first audit batch.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
