package mysql

// Repository aggregates all orchestration store repositories
type Repository struct {
	ds *Datastore

	Client           *ClientRepository
	Agent            *AgentRepository
	Command          *CommandRepository
	Instance         *InstanceRepository
	TerminationEvent *TerminationEventRepository
	Replica          *ReplicaRepository
	Switch           *SwitchRepository
	Savings          *SavingsRepository
	PriceSample      *PriceSampleRepository
	CleanupLog       *CleanupLogRepository
}

// NewRepository creates a new MySQL repository with all sub-repositories
func NewRepository(dsn string) (*Repository, error) {
	ds, err := NewDatastore(dsn)
	if err != nil {
		return nil, err
	}
	return NewRepositoryWithDatastore(ds), nil
}

// NewRepositoryWithDatastore wires every sub-repository on an open datastore
func NewRepositoryWithDatastore(ds *Datastore) *Repository {
	return &Repository{
		ds:               ds,
		Client:           NewClientRepository(ds),
		Agent:            NewAgentRepository(ds),
		Command:          NewCommandRepository(ds),
		Instance:         NewInstanceRepository(ds),
		TerminationEvent: NewTerminationEventRepository(ds),
		Replica:          NewReplicaRepository(ds),
		Switch:           NewSwitchRepository(ds),
		Savings:          NewSavingsRepository(ds),
		PriceSample:      NewPriceSampleRepository(ds),
		CleanupLog:       NewCleanupLogRepository(ds),
	}
}

// GetDatastore returns the underlying datastore for transaction support
func (r *Repository) GetDatastore() *Datastore {
	return r.ds
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
