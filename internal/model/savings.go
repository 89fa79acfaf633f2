package model

// SavingsSnapshot daily rollup of savings per client
type SavingsSnapshot struct {
	ClientID              string `json:"client_id"`
	SnapshotDate          string `json:"snapshot_date"` // YYYY-MM-DD, UTC
	DailySavings          string `json:"daily_savings"` // USD, fixed 4 decimals
	SwitchCount           int    `json:"switch_count"`
	InstanceHours         string `json:"instance_hours"`
	AverageSavingsPercent string `json:"average_savings_percent"` // Hour-weighted, fixed 2 decimals
}

// MonthlySavings per-month series entry
type MonthlySavings struct {
	Month       string `json:"month"` // YYYY-MM
	Savings     string `json:"savings"`
	SwitchCount int    `json:"switch_count"`
}

// SavingsSummary client savings query result
type SavingsSummary struct {
	ClientID              string            `json:"client_id"`
	TotalSavings          string            `json:"total_savings"`
	TotalSwitches         int               `json:"total_switches"`
	AverageSavingsPercent string            `json:"average_savings_percent"`
	Latest                *SavingsSnapshot  `json:"latest,omitempty"`
	Monthly               []*MonthlySavings `json:"monthly"`
}
