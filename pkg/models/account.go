package models

// AccountInfo is the typed product of an account-enhancement run. It is
// embedded in the terminal callback payload and persisted to the result
// store alongside the raw stage outputs.
type AccountInfo struct {
	AccountID     string   `json:"account_id"`
	CompanyName   string   `json:"company_name,omitempty"`
	Description   string   `json:"description,omitempty"`
	Industry      string   `json:"industry,omitempty"`
	EmployeeCount string   `json:"employee_count,omitempty"`
	Headquarters  string   `json:"headquarters,omitempty"`
	FoundedYear   string   `json:"founded_year,omitempty"`
	Website       string   `json:"website,omitempty"`
	LinkedInURL   string   `json:"linkedin_url,omitempty"`
	Technologies  []string `json:"technologies,omitempty"`
	KeyCustomers  []string `json:"key_customers,omitempty"`
	Products      []string `json:"products_offered,omitempty"`
	TargetMarket  string   `json:"target_market,omitempty"`
	Analysis      string   `json:"analysis,omitempty"`
	OutreachAngle string   `json:"outreach_angle,omitempty"`
}
