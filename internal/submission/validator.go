package submission

import (
	"fmt"
	"math"

	"github.com/ssd-technologies/termconsensus/internal/identity"
)

// Status is the terminal state of a validation pass.
type Status string

const (
	StatusAdmitted Status = "admitted"
	StatusRejected Status = "rejected"
)

// ReasonCode names the first check a rejected submission failed.
type ReasonCode string

const (
	ReasonMissingAgentHash        ReasonCode = "missing_agent_hash"
	ReasonMissingMiner            ReasonCode = "missing_miner"
	ReasonMissingSignature        ReasonCode = "missing_signature"
	ReasonMissingPayload          ReasonCode = "missing_payload"
	ReasonMissingExecutorEndpoint ReasonCode = "missing_executor_endpoint"
	ReasonMissingExecutorToken    ReasonCode = "missing_executor_token"
	ReasonPayloadTooLarge         ReasonCode = "payload_too_large"
	ReasonTooManyTasks            ReasonCode = "too_many_tasks"
	ReasonInvalidTaskID           ReasonCode = "invalid_task_id"
	ReasonInvalidTaskScore        ReasonCode = "invalid_task_score"
	ReasonInvalidSignature        ReasonCode = "invalid_signature"
	ReasonNameOwnedByOther        ReasonCode = "name_owned_by_other"
	ReasonRateLimited             ReasonCode = "rate_limited"
)

// Malformed reports whether the reason belongs to the size/shape/signature
// class. Malformed submissions are never worth retrying.
func (r ReasonCode) Malformed() bool {
	return r != ReasonRateLimited && r != ReasonNameOwnedByOther && r != ""
}

// Verdict is the outcome of Validate.
type Verdict struct {
	Status Status     `json:"status"`
	Reason ReasonCode `json:"reason,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// Admitted reports whether the verdict admits the submission.
func (v Verdict) Admitted() bool {
	return v.Status == StatusAdmitted
}

func admitted() Verdict {
	return Verdict{Status: StatusAdmitted}
}

func rejected(reason ReasonCode, format string, args ...any) Verdict {
	return Verdict{Status: StatusRejected, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Limits are the size bounds enforced by the validator.
type Limits struct {
	MaxPayloadBytes int
	MaxTasks        int
}

// DefaultLimits returns the network limits.
func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: MaxPayloadBytes, MaxTasks: MaxTasks}
}

// RateChecker answers whether an identity may submit in the given epoch.
// agentHash lets the checker treat a re-validation of an already admitted
// submission as admissible.
type RateChecker interface {
	CanSubmit(miner string, epoch uint64, agentHash string) (bool, error)
}

// NameOwners resolves the owner of a submission name.
type NameOwners interface {
	Owner(name string) (string, bool)
}

// Validator runs the ordered admission checks. It never mutates state; the
// caller records admission in the ledger after an admitted verdict.
type Validator struct {
	limits Limits
	rate   RateChecker
	names  NameOwners
}

// NewValidator creates a Validator. names may be nil when submissions are
// unnamed.
func NewValidator(limits Limits, rate RateChecker, names NameOwners) *Validator {
	return &Validator{limits: limits, rate: rate, names: names}
}

// Validate checks s against currentEpoch, short-circuiting on the first
// failure. The returned error is non-nil only when a backend lookup failed,
// in which case the verdict must be ignored.
func (v *Validator) Validate(s *Submission, currentEpoch uint64) (Verdict, error) {
	if vd, ok := checkRequired(s); !ok {
		return vd, nil
	}
	if len(s.Payload) > v.limits.MaxPayloadBytes {
		return rejected(ReasonPayloadTooLarge, "payload is %d bytes, max %d", len(s.Payload), v.limits.MaxPayloadBytes), nil
	}
	if len(s.TaskResults) > v.limits.MaxTasks {
		return rejected(ReasonTooManyTasks, "%d task results, max %d", len(s.TaskResults), v.limits.MaxTasks), nil
	}
	for i, r := range s.TaskResults {
		if r.TaskID == "" {
			return rejected(ReasonInvalidTaskID, "task result %d has empty task_id", i), nil
		}
		if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) || r.Score < 0 || r.Score > 1 {
			return rejected(ReasonInvalidTaskScore, "task %s score %v outside [0,1]", r.TaskID, r.Score), nil
		}
	}
	if err := identity.Verify(s.Miner, CanonicalBytes(s), s.Signature); err != nil {
		return rejected(ReasonInvalidSignature, "%v", err), nil
	}
	if s.Name != "" && v.names != nil {
		if owner, ok := v.names.Owner(s.Name); ok && owner != s.Miner {
			return rejected(ReasonNameOwnedByOther, "name %q is owned by another miner", s.Name), nil
		}
	}
	ok, err := v.rate.CanSubmit(s.Miner, currentEpoch, s.AgentHash)
	if err != nil {
		return Verdict{}, fmt.Errorf("rate limit lookup: %w", err)
	}
	if !ok {
		return rejected(ReasonRateLimited, "miner submitted within the rate-limit window"), nil
	}
	return admitted(), nil
}

func checkRequired(s *Submission) (Verdict, bool) {
	switch {
	case s.AgentHash == "":
		return rejected(ReasonMissingAgentHash, "agent_hash is required"), false
	case s.Miner == "":
		return rejected(ReasonMissingMiner, "miner is required"), false
	case s.Signature == "":
		return rejected(ReasonMissingSignature, "signature is required"), false
	case len(s.Payload) == 0:
		return rejected(ReasonMissingPayload, "payload is required"), false
	case s.ExecutorEndpoint == "":
		return rejected(ReasonMissingExecutorEndpoint, "executor_endpoint is required"), false
	case s.ExecutorToken == "":
		return rejected(ReasonMissingExecutorToken, "executor_token is required"), false
	}
	return Verdict{}, true
}
