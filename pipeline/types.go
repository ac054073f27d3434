// Package pipeline propagates a changed source record through its derived
// artifacts: translations, a public snapshot, CDN cache invalidation and
// vector embeddings. Each run is recorded in the job run ledger and every
// unit of stage work is claimed in the idempotency registry first, so
// replays and concurrent triggers never repeat a side effect.
package pipeline

import (
	"context"

	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/providers/cdn"
)

// Stage names, in execution order
const (
	StageTranslate  = "translate"
	StagePublicSync = "public_sync"
	StageCachePurge = "cache_purge"
	StageEmbedding  = "embedding"
)

// Idempotency operations for stage keys
const (
	OpPipeline   = "pipeline"
	OpTranslate  = "translate"
	OpPublicSync = "public_sync"
	OpCachePurge = "cache_purge"
	OpEmbed      = "embed"
)

// Derived artifact collections
const (
	TranslationsCollection    = "translations"
	PublicSnapshotsCollection = "public_snapshots"
	EmbeddingsCollection      = "embeddings"
)

// StatusInProgress is reported for a trigger that collided with a live run
const StatusInProgress = "in_progress"

// Options adjust a single trigger
type Options struct {
	TargetLangs    []string `json:"target_langs,omitempty"`
	SourceLang     string   `json:"source_lang,omitempty"`
	ForceRefresh   bool     `json:"force_refresh,omitempty"`
	SkipEmbedding  bool     `json:"skip_embedding,omitempty"`
	SkipCachePurge bool     `json:"skip_cache_purge,omitempty"`
}

// Trigger is the inbound event that starts one run
type Trigger struct {
	TenantID      string  `json:"tenant_id"`
	EntityType    string  `json:"entity_type"`
	EntityID      string  `json:"entity_id"`
	TriggerSource string  `json:"trigger_source,omitempty"`
	RequestID     string  `json:"request_id,omitempty"`
	Options       Options `json:"options"`
}

// Response is returned to the caller once the run is finalized
type Response struct {
	OK             bool          `json:"ok"`
	JobID          string        `json:"job_id,omitempty"`
	RequestID      string        `json:"request_id"`
	PipelineStatus string        `json:"pipeline_status"`
	Steps          []ledger.Step `json:"steps"`
	Duplicate      bool          `json:"duplicate,omitempty"`
	ErrorCode      string        `json:"error_code,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// Translator renders text in another language
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// Purger invalidates cached URLs
type Purger interface {
	Purge(ctx context.Context, urls []string) ([]cdn.Result, error)
}
