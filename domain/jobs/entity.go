package jobs

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Job statuses. A job is terminal in completed, failed or cancelled.
const (
	JobStatusPending    = "pending"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Chunk statuses.
const (
	ChunkStatusPending    = "pending"
	ChunkStatusProcessing = "processing"
	ChunkStatusCompleted  = "completed"
	ChunkStatusFailed     = "failed"
	ChunkStatusCancelled  = "cancelled"
)

// Chunk and job error codes.
const (
	ErrCodeLowPassRate     = "low_validation_pass_rate"
	ErrCodeExtractFailed   = "extraction_failed"
	ErrCodeModelFailed     = "model_failed"
	ErrCodeStuck           = "stuck_chunk"
	ErrCodeForceFinalized  = "force_finalized"
	ErrCodeJobTimeout      = "job_timeout"
	ErrCodePlanFailed      = "planning_failed"
	ErrCodeAllChunksFailed = "all_chunks_failed"
)

// User-facing pipeline steps carried on progress events.
const (
	StepAnalyzing   = "Analyzing PDF"
	StepSplitting   = "Splitting"
	StepNormalizing = "Normalizing"
	StepDone        = "Done"
)

// History events recorded in pf.job_histories.
const (
	EventConfirmed      = "confirmed"
	EventStarted        = "started"
	EventChunkSettled   = "chunk_settled"
	EventFinalized      = "finalized"
	EventCancelled      = "cancelled"
	EventForceFinalized = "force_finalized"
	EventWatchdog       = "watchdog"
)

// IsTerminalStatus reports whether a job status is terminal.
func IsTerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// Job represents a row in the pf.jobs table
type Job struct {
	bun.BaseModel `bun:"table:pf.jobs,alias:j"`

	ID               string     `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	UserID           string     `bun:"user_id,notnull,type:uuid" json:"userId"`
	Status           string     `bun:"status,notnull,default:'pending'" json:"status"`
	Filename         string     `bun:"filename,notnull" json:"filename"`
	StorageKey       *string    `bun:"storage_key" json:"-"`
	PageCount        int        `bun:"page_count,notnull" json:"pageCount"`
	ModelProfile     string     `bun:"model_profile,notnull,default:'balanced'" json:"modelProfile"`
	PricingVersion   string     `bun:"pricing_version,notnull" json:"pricingVersion"`
	PricingRate      float64    `bun:"pricing_rate,notnull" json:"pricingRate"`
	EstimatedTokens  int64      `bun:"estimated_tokens,notnull" json:"estimatedTokens"`
	EstimatedCredits int64      `bun:"estimated_credits,notnull" json:"estimatedCredits"`
	ActualTokens     int64      `bun:"actual_tokens,notnull" json:"actualTokens"`
	ActualCredits    int64      `bun:"actual_credits,notnull" json:"actualCredits"`
	ReservationID    *string    `bun:"reservation_id,type:uuid" json:"reservationId,omitempty"`
	TotalChunks      int        `bun:"total_chunks,notnull" json:"totalChunks"`
	SettledChunks    int        `bun:"settled_chunks,notnull" json:"settledChunks"`
	FailedChunks     int        `bun:"failed_chunks,notnull" json:"failedChunks"`
	Progress         int        `bun:"progress,notnull" json:"progress"`
	CurrentStep      string     `bun:"current_step,notnull" json:"currentStep"`
	ErrorCode        *string    `bun:"error_code" json:"errorCode,omitempty"`
	ErrorMessage     *string    `bun:"error_message" json:"errorMessage,omitempty"`
	CreatedAt        time.Time  `bun:"created_at,default:now()" json:"createdAt"`
	UpdatedAt        time.Time  `bun:"updated_at,default:now()" json:"updatedAt"`
	ConfirmedAt      *time.Time `bun:"confirmed_at" json:"confirmedAt,omitempty"`
	FinishedAt       *time.Time `bun:"finished_at" json:"finishedAt,omitempty"`
}

// ActualCreditsFor prices the final token count with the rate that was
// captured when credits were reserved, so a config change mid-job never
// shifts what the user is charged.
func (j *Job) ActualCreditsFor(tokens int64) int64 {
	return CreditsForTokens(tokens, j.PricingRate, 1.0)
}

// JobChunk represents a row in the pf.job_chunks table
type JobChunk struct {
	bun.BaseModel `bun:"table:pf.job_chunks,alias:jc"`

	ID                  string          `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	JobID               string          `bun:"job_id,notnull,type:uuid" json:"jobId"`
	ChunkIndex          int             `bun:"chunk_index,notnull" json:"chunkIndex"`
	PageStart           int             `bun:"page_start,notnull" json:"pageStart"`
	PageEnd             int             `bun:"page_end,notnull" json:"pageEnd"`
	OverlapStart        int             `bun:"overlap_start,notnull" json:"overlapStart"`
	Status              string          `bun:"status,notnull,default:'pending'" json:"status"`
	Attempts            int             `bun:"attempts,notnull" json:"attempts"`
	WorkerID            *string         `bun:"worker_id" json:"workerId,omitempty"`
	ScheduledAt         time.Time       `bun:"scheduled_at,default:now()" json:"scheduledAt"`
	StartedAt           *time.Time      `bun:"started_at" json:"startedAt,omitempty"`
	HeartbeatAt         *time.Time      `bun:"heartbeat_at" json:"heartbeatAt,omitempty"`
	FinishedAt          *time.Time      `bun:"finished_at" json:"finishedAt,omitempty"`
	ErrorCode           *string         `bun:"error_code" json:"errorCode,omitempty"`
	ErrorMessage        *string         `bun:"error_message" json:"errorMessage,omitempty"`
	InputSentenceCount  int             `bun:"input_sentence_count,notnull" json:"inputSentenceCount"`
	OutputSentenceCount int             `bun:"output_sentence_count,notnull" json:"outputSentenceCount"`
	PassRate            *float64        `bun:"pass_rate" json:"passRate,omitempty"`
	TokensUsed          int64           `bun:"tokens_used,notnull" json:"tokensUsed"`
	Result              json.RawMessage `bun:"result,type:jsonb" json:"result,omitempty"`
	CreatedAt           time.Time       `bun:"created_at,default:now()" json:"createdAt"`
	UpdatedAt           time.Time       `bun:"updated_at,default:now()" json:"updatedAt"`
}

// JobHistory represents a row in the pf.job_histories table
type JobHistory struct {
	bun.BaseModel `bun:"table:pf.job_histories,alias:jh"`

	ID        string          `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	JobID     string          `bun:"job_id,notnull,type:uuid" json:"jobId"`
	UserID    string          `bun:"user_id,notnull,type:uuid" json:"userId"`
	Event     string          `bun:"event,notnull" json:"event"`
	Detail    json.RawMessage `bun:"detail,type:jsonb" json:"detail,omitempty"`
	CreatedAt time.Time       `bun:"created_at,default:now()" json:"createdAt"`
}

// History represents a row in the pf.histories table: the persisted
// result of a completed job. Written exactly once, in the transaction
// that moves the job to completed.
type History struct {
	bun.BaseModel `bun:"table:pf.histories,alias:h"`

	ID               string          `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	JobID            string          `bun:"job_id,notnull,type:uuid" json:"jobId"`
	UserID           string          `bun:"user_id,notnull,type:uuid" json:"userId"`
	Filename         string          `bun:"filename,notnull" json:"filename"`
	Sentences        []string        `bun:"sentences,type:jsonb" json:"sentences"`
	ChunkIDs         []string        `bun:"chunk_ids,type:jsonb" json:"chunkIds"`
	SettingsSnapshot json.RawMessage `bun:"settings_snapshot,type:jsonb" json:"settingsSnapshot,omitempty"`
	Exported         bool            `bun:"exported,notnull" json:"exported"`
	CreatedAt        time.Time       `bun:"created_at,default:now()" json:"createdAt"`
}

// ChunkResult is the payload stored in job_chunks.result
type ChunkResult struct {
	Sentences []string `json:"sentences"`
	Rejected  []struct {
		Sentence string `json:"sentence"`
		Code     string `json:"code"`
	} `json:"rejected,omitempty"`
}

// ChunkOutput is a completed chunk's contribution to the merged job
// result, in chunk order.
type ChunkOutput struct {
	ChunkID      string
	ChunkIndex   int
	PageStart    int
	OverlapStart int
	Sentences    []string
}

// EstimateRequest is the body of POST /api/estimate.
type EstimateRequest struct {
	PageCount    int    `json:"pageCount"`
	ModelProfile string `json:"modelProfile"`
}

// EstimateResponse is the stateless pricing preview returned by
// POST /api/estimate. No job is created.
type EstimateResponse struct {
	PageCount        int     `json:"pageCount"`
	ModelProfile     string  `json:"modelProfile"`
	PricingVersion   string  `json:"pricingVersion"`
	PricingRate      float64 `json:"pricingRate"`
	EstimatedTokens  int64   `json:"estimatedTokens"`
	EstimatedCredits int64   `json:"estimatedCredits"`
}

// CreateResponse is returned by POST /api/jobs once the upload is
// accepted and credits are reserved.
type CreateResponse struct {
	JobID            string `json:"jobId"`
	EstimatedCredits int64  `json:"estimatedCredits"`
	Balance          int64  `json:"balance"`
}

// JobResponse wraps a single job for the API response
type JobResponse struct {
	Data Job `json:"data"`
}

// JobListParams contains parameters for listing jobs
type JobListParams struct {
	UserID string
	Status string
	Limit  int
	Offset int
}

// JobListResponse wraps the job list for the API response
type JobListResponse struct {
	Data  []Job `json:"data"`
	Total int   `json:"total"`
}

// ResultResponse is the merged output of a completed job
type ResultResponse struct {
	JobID     string   `json:"jobId"`
	Status    string   `json:"status"`
	Sentences []string `json:"sentences"`
}

// HistoryResponse wraps the history entries for the API response
type HistoryResponse struct {
	Data []JobHistory `json:"data"`
}
