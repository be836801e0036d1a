package trust

import "time"

// Category is one of the twelve action categories the default tier map
// classifies.
type Category string

const (
	CategoryWorkspaceRead       Category = "workspace-read"
	CategoryMemoryWrite         Category = "memory-write"
	CategoryContextGather       Category = "context-gather"
	CategoryMessageDraft        Category = "message-draft"
	CategoryReflection          Category = "reflection"
	CategoryWorkspaceWrite      Category = "workspace-write"
	CategoryWorkspaceFileCreate Category = "workspace-file-create"
	CategoryOutboundMessage     Category = "outbound-message"
	CategoryProjectDecision     Category = "project-decision"
	CategoryFileDelete          Category = "file-delete"
	CategoryExternalAPISideEff  Category = "external-api-side-effect"
	CategoryFinancialAction     Category = "financial-action"
)

// defaultTierMap is the twelve-category default. Unknown categories
// default to restricted.
var defaultTierMap = map[Category]Tier{
	CategoryWorkspaceRead:       TierAutonomous,
	CategoryMemoryWrite:         TierAutonomous,
	CategoryContextGather:       TierAutonomous,
	CategoryMessageDraft:        TierAutonomous,
	CategoryReflection:          TierAutonomous,
	CategoryWorkspaceWrite:      TierPropose,
	CategoryWorkspaceFileCreate: TierPropose,
	CategoryOutboundMessage:     TierPropose,
	CategoryProjectDecision:     TierPropose,
	CategoryFileDelete:          TierRestricted,
	CategoryExternalAPISideEff:  TierRestricted,
	CategoryFinancialAction:     TierRestricted,
}

// DefaultTier returns the default tier for a category, or restricted
// if the category is unrecognized.
func DefaultTier(cat Category) Tier {
	if t, ok := defaultTierMap[cat]; ok {
		return t
	}
	return TierRestricted
}

// ClassifyAction returns the effective tier for a category given the
// supplied trust metrics. If metrics is nil, the default tier map
// applies with no scope override. When the metrics' derived scope does
// not contain the category's default tier, the request exceeds what
// the current trust posture permits, so it is escalated to restricted
// rather than relaxed.
func ClassifyAction(cat Category, metrics *State) Tier {
	want := DefaultTier(cat)
	if metrics == nil {
		return want
	}
	allowed := effectiveScope(*metrics)
	if containsTier(allowed, want) {
		return want
	}
	return TierRestricted
}

func effectiveScope(s State) []Tier {
	if isFrozen(s, time.Now().UTC()) {
		return []Tier{TierAutonomous}
	}
	return tiersForScore(s.TrustScore)
}

// ScopeAllows reports whether tier t falls within the allowed tiers.
func ScopeAllows(tiers []Tier, t Tier) bool {
	return containsTier(tiers, t)
}

func containsTier(tiers []Tier, want Tier) bool {
	for _, t := range tiers {
		if t == want {
			return true
		}
	}
	return false
}

// ActionRequest is one invocation of RequestAction.
type ActionRequest struct {
	Category Category
	Metrics  *State
}

// ActionDecision is RequestAction's return value.
type ActionDecision struct {
	Approved bool
	Reason   string
}

// loggedRequest is one entry in the in-memory action log.
type loggedRequest struct {
	Request  ActionRequest
	Decision ActionDecision
	At       time.Time
}

// Authority evaluates and logs action requests against a trust Engine.
type Authority struct {
	engine *Engine
	log    []loggedRequest
}

// NewAuthority returns an Authority reading scope from engine.
func NewAuthority(engine *Engine) *Authority {
	return &Authority{engine: engine}
}

// RequestAction classifies and logs one action request:
// approves autonomous, denies propose with "pending_proposal", denies
// restricted with "restricted". Every request, approved or not, is
// appended to the in-memory action log.
func (a *Authority) RequestAction(req ActionRequest) ActionDecision {
	metrics := req.Metrics
	if metrics == nil {
		s := a.engine.Load()
		metrics = &s
	}
	tier := ClassifyAction(req.Category, metrics)

	var decision ActionDecision
	switch tier {
	case TierAutonomous:
		decision = ActionDecision{Approved: true}
	case TierPropose:
		decision = ActionDecision{Approved: false, Reason: "pending_proposal"}
	default:
		decision = ActionDecision{Approved: false, Reason: "restricted"}
	}

	a.log = append(a.log, loggedRequest{Request: req, Decision: decision, At: time.Now().UTC()})
	return decision
}

// ActionLog returns a copy of the in-memory action log.
func (a *Authority) ActionLog() []loggedRequest {
	out := make([]loggedRequest, len(a.log))
	copy(out, a.log)
	return out
}

// PendingProposals returns the number of logged requests denied with
// "pending_proposal". The reflection pipeline reads this count to keep
// reflecting while a propose-tier action awaits resolution. Every such
// log entry counts for the life of the Authority; nothing resolves or
// removes a logged proposal, so the count never decreases.
func (a *Authority) PendingProposals() int {
	count := 0
	for _, lr := range a.log {
		if lr.Decision.Reason == "pending_proposal" {
			count++
		}
	}
	return count
}
