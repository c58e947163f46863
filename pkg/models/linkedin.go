package models

// LinkedInActivityKind distinguishes the three scraped activity feeds.
type LinkedInActivityKind string

// Activity kinds.
const (
	ActivityKindPost     LinkedInActivityKind = "post"
	ActivityKindComment  LinkedInActivityKind = "comment"
	ActivityKindReaction LinkedInActivityKind = "reaction"
)

// LinkedInActivity is one parsed and LLM-enriched feed item. Text and
// ActivityURL come from the HTML parse; the remaining fields are filled
// by the extraction stage.
type LinkedInActivity struct {
	Kind              LinkedInActivityKind `json:"kind"`
	Text              string               `json:"text"`
	ActivityURL       string               `json:"activity_url,omitempty"`
	PublishDate       string               `json:"publish_date,omitempty"`
	Summary           string               `json:"summary,omitempty"`
	Category          string               `json:"category,omitempty"`
	CompanyFocused    bool                 `json:"company_focused,omitempty"`
	MentionedPeople   []string             `json:"mentioned_people,omitempty"`
	MentionedProducts []string             `json:"mentioned_products,omitempty"`
	Metadata          map[string]any       `json:"metadata,omitempty"`
}

// LinkedInInsights is the per-lead synthesis over their recent activity.
type LinkedInInsights struct {
	Personality            string   `json:"personality,omitempty"`
	AreasOfInterest        []string `json:"areas_of_interest,omitempty"`
	EngagedColleagues      []string `json:"engaged_colleagues,omitempty"`
	EngagedProducts        []string `json:"engaged_products,omitempty"`
	OutreachRecommendation string   `json:"outreach_recommendation,omitempty"`
	PersonalizationSignals []string `json:"personalization_signals,omitempty"`
}

// LinkedInResearch is the full result for one lead.
type LinkedInResearch struct {
	LeadID     string             `json:"lead_id"`
	Activities []LinkedInActivity `json:"activities"`
	Insights   *LinkedInInsights  `json:"insights,omitempty"`
}
