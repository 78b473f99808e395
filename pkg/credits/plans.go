package credits

import (
	"fmt"
	"strings"
	"time"
)

// Plan identifies a billing plan.
type Plan string

const (
	PlanFree       Plan = "free_user"
	PlanPro        Plan = "surbee_pro"
	PlanMax        Plan = "surbee_max"
	PlanEnterprise Plan = "surbee_enterprise"
)

// Unlimited marks a plan whose balance is never debited.
const Unlimited int64 = -1

// Feature is a capability a plan may or may not include.
type Feature string

const (
	FeaturePremiumModels   Feature = "premium_models"
	FeatureAgentMode       Feature = "agent_mode"
	FeatureEvaluation      Feature = "evaluation"
	FeatureCipherFull      Feature = "cipher_full"
	FeatureBrandingRemoval Feature = "branding_removal"
	FeatureAllExports      Feature = "all_exports"
	FeatureCustomDomain    Feature = "custom_domain"
)

// ActionGroup buckets actions for per-plan quotas.
type ActionGroup string

const (
	GroupSurveyGeneration ActionGroup = "survey_generation"
	GroupDashboardChat    ActionGroup = "dashboard_chat"
	GroupAgentMode        ActionGroup = "agent_mode"
	GroupCipher           ActionGroup = "cipher"
	GroupEvaluation       ActionGroup = "evaluation"
	GroupChartGeneration  ActionGroup = "chart_generation"
)

// Quota windows.
const (
	Hourly  = time.Hour
	Daily   = 24 * time.Hour
	Monthly = 30 * Daily
)

// Quota caps how many admissions of a group a plan allows per rolling
// window. A zero Limit forbids the group.
type Quota struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// PlanConfig describes what a plan includes. Groups missing from Quotas
// are not limited.
type PlanConfig struct {
	MonthlyCredits int64
	Features       map[Feature]bool
	Quotas         map[ActionGroup]Quota
}

var allFeatures = map[Feature]bool{
	FeaturePremiumModels:   true,
	FeatureAgentMode:       true,
	FeatureEvaluation:      true,
	FeatureCipherFull:      true,
	FeatureBrandingRemoval: true,
	FeatureAllExports:      true,
	FeatureCustomDomain:    true,
}

// Plans holds the configuration of every known plan.
var Plans = map[Plan]PlanConfig{
	PlanFree: {
		MonthlyCredits: 100,
		Features:       map[Feature]bool{},
		Quotas: map[ActionGroup]Quota{
			GroupSurveyGeneration: {Limit: 2, Window: Daily},
			GroupDashboardChat:    {Limit: 15, Window: Hourly},
			GroupAgentMode:        {Limit: 0, Window: Daily},
			GroupCipher:           {Limit: 2, Window: Monthly},
			GroupEvaluation:       {Limit: 0, Window: Daily},
			GroupChartGeneration:  {Limit: 2, Window: Monthly},
		},
	},
	PlanPro: {
		MonthlyCredits: 2000,
		Features: map[Feature]bool{
			FeaturePremiumModels:   true,
			FeatureAgentMode:       true,
			FeatureEvaluation:      true,
			FeatureBrandingRemoval: true,
			FeatureAllExports:      true,
		},
		Quotas: map[ActionGroup]Quota{
			GroupSurveyGeneration: {Limit: 15, Window: Daily},
			GroupDashboardChat:    {Limit: 100, Window: Hourly},
			GroupAgentMode:        {Limit: 20, Window: Daily},
			GroupCipher:           {Limit: 10, Window: Daily},
			GroupEvaluation:       {Limit: 15, Window: Daily},
		},
	},
	PlanMax: {
		MonthlyCredits: 6000,
		Features:       allFeatures,
		Quotas: map[ActionGroup]Quota{
			GroupSurveyGeneration: {Limit: 50, Window: Daily},
			GroupDashboardChat:    {Limit: 300, Window: Hourly},
			GroupAgentMode:        {Limit: 80, Window: Daily},
			GroupCipher:           {Limit: 40, Window: Daily},
			GroupEvaluation:       {Limit: 60, Window: Daily},
		},
	},
	PlanEnterprise: {
		MonthlyCredits: Unlimited,
		Features:       allFeatures,
	},
}

var legacyPlans = map[string]Plan{
	"free":       PlanFree,
	"pro":        PlanPro,
	"max":        PlanMax,
	"enterprise": PlanEnterprise,
}

// ParsePlan normalizes plan names, accepting legacy short names.
func ParsePlan(s string) (Plan, error) {
	if s == "" {
		return PlanFree, nil
	}
	if p, ok := legacyPlans[s]; ok {
		return p, nil
	}
	if _, ok := Plans[Plan(s)]; ok {
		return Plan(s), nil
	}
	return "", fmt.Errorf("unknown plan %q", s)
}

// config returns the plan's configuration, falling back to the free plan
// for unknown values.
func (p Plan) config() PlanConfig {
	cfg, ok := Plans[p]
	if !ok {
		return Plans[PlanFree]
	}
	return cfg
}

// Unlimited reports whether the plan is exempt from debits.
func (p Plan) Unlimited() bool {
	return Plans[p].MonthlyCredits == Unlimited
}

// Allotment returns the monthly credits for the plan.
func (p Plan) Allotment() int64 {
	return p.config().MonthlyCredits
}

// HasFeature reports whether the plan includes f.
func (p Plan) HasFeature(f Feature) bool {
	return p.config().Features[f]
}

// Quota returns the plan's quota for g, if it has one.
func (p Plan) Quota(g ActionGroup) (Quota, bool) {
	q, ok := p.config().Quotas[g]
	return q, ok
}

// ActionCosts are the base credit costs per product action. The engine uses
// them as a floor for its token-based estimate.
var ActionCosts = map[string]int64{
	"chat_haiku": 3,
	"chat_gpt5":  10,
	"chat_lema":  5,

	"survey_simple":  20,
	"survey_medium":  35,
	"survey_complex": 50,

	"agent_quick":    25,
	"agent_standard": 60,
	"agent_complex":  120,

	"cipher_basic":    10,
	"cipher_full":     20,
	"cipher_realtime": 30,

	"evaluation_single": 20,
	"evaluation_multi":  35,

	"chart": 10,
}

// ActionCost returns the base cost of an action and whether it is known.
func ActionCost(action string) (int64, bool) {
	c, ok := ActionCosts[action]
	return c, ok
}

// Generic action names resolved by ResolveAction.
const (
	ActionChat   = "chat"
	ActionSurvey = "survey"
	ActionAgent  = "agent"
)

// ResolveAction turns a generic action into a costed one. An empty action
// or "chat" is priced by model, "survey" by question count and "agent" by
// planned steps. Other actions are returned unchanged.
func ResolveAction(action, model string, questions, steps int) string {
	switch action {
	case "", ActionChat:
		return ChatModelAction(model)
	case ActionSurvey:
		return SurveyComplexity(questions)
	case ActionAgent:
		return AgentComplexity(steps)
	default:
		return action
	}
}

// SurveyComplexity maps a question count onto a survey action.
func SurveyComplexity(questions int) string {
	switch {
	case questions <= 5:
		return "survey_simple"
	case questions <= 15:
		return "survey_medium"
	default:
		return "survey_complex"
	}
}

// AgentComplexity maps a planned step count onto an agent action.
func AgentComplexity(steps int) string {
	switch {
	case steps <= 2:
		return "agent_quick"
	case steps <= 5:
		return "agent_standard"
	default:
		return "agent_complex"
	}
}

// ChatModelAction maps a chat model onto its credit action.
func ChatModelAction(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt-5"), strings.Contains(m, "gpt5"):
		return "chat_gpt5"
	case strings.Contains(m, "lema"):
		return "chat_lema"
	default:
		return "chat_haiku"
	}
}

// PremiumModel reports whether model needs FeaturePremiumModels.
func PremiumModel(model string) bool {
	return ChatModelAction(model) == "chat_gpt5"
}

// ActionGroupOf returns the quota group of a costed action.
func ActionGroupOf(action string) (ActionGroup, bool) {
	switch {
	case strings.HasPrefix(action, "survey_"):
		return GroupSurveyGeneration, true
	case strings.HasPrefix(action, "chat_"):
		return GroupDashboardChat, true
	case strings.HasPrefix(action, "agent_"):
		return GroupAgentMode, true
	case strings.HasPrefix(action, "cipher_"):
		return GroupCipher, true
	case strings.HasPrefix(action, "evaluation_"):
		return GroupEvaluation, true
	case action == "chart":
		return GroupChartGeneration, true
	}
	return "", false
}

// RequiredFeatures lists the plan features an action needs.
func RequiredFeatures(action string) []Feature {
	switch {
	case action == "chat_gpt5":
		return []Feature{FeaturePremiumModels}
	case strings.HasPrefix(action, "agent_"):
		return []Feature{FeatureAgentMode}
	case strings.HasPrefix(action, "evaluation_"):
		return []Feature{FeatureEvaluation}
	case action == "cipher_full", action == "cipher_realtime":
		return []Feature{FeatureCipherFull}
	}
	return nil
}
