package mysql

import "spotfleet/pkg/store/mysql/model"

// Re-export types from model package so callers only import one package
type (
	Client           = model.Client
	Agent            = model.Agent
	AgentCommand     = model.AgentCommand
	Instance         = model.Instance
	TerminationEvent = model.TerminationEvent
	Replica          = model.Replica
	Switch           = model.Switch
	SavingsSnapshot  = model.SavingsSnapshot
	PriceSample      = model.PriceSample
	CleanupLog       = model.CleanupLog

	// Custom JSON types
	JSONMap = model.JSONMap
)
