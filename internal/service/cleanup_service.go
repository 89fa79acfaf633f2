package service

import (
	"context"
	"fmt"
	"sort"

	"spotfleet/internal/model"
	"spotfleet/pkg/logger"
	"spotfleet/pkg/store/mysql"
	storemodel "spotfleet/pkg/store/mysql/model"
)

// CleanupService stores resource cleanup reports sent by agents
type CleanupService struct {
	repo *mysql.Repository
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(repo *mysql.Repository) *CleanupService {
	return &CleanupService{repo: repo}
}

// CleanupEntry one stored cleanup report
type CleanupEntry struct {
	AgentID    string                            `json:"agent_id"`
	ReportedAt string                            `json:"reported_at"`
	Deleted    int                               `json:"deleted"`
	Failed     int                               `json:"failed"`
	Classes    map[string]*model.ResourceCleanup `json:"classes"`
}

// RecordCleanup appends an agent cleanup report to the log
func (s *CleanupService) RecordCleanup(ctx context.Context, report *model.CleanupReport) (*CleanupEntry, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}
	agent, err := s.repo.Agent.Get(ctx, report.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, model.Reject(model.ErrNotFound, "agent %s", report.AgentID)
	}

	classes, err := storemodel.ToJSONMap(report.Classes)
	if err != nil {
		return nil, model.Invalid("classes", "not encodable: %v", err)
	}
	entry := &mysql.CleanupLog{
		AgentID:    agent.AgentID,
		ClientID:   agent.ClientID,
		ReportedAt: report.Timestamp.UTC(),
		Classes:    classes,
	}
	names := make([]string, 0, len(report.Classes))
	for name, c := range report.Classes {
		entry.Deleted += len(c.Deleted)
		entry.Failed += len(c.Failed)
		names = append(names, name)
	}
	sort.Strings(names)

	if err := s.repo.CleanupLog.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to store cleanup report: %w", err)
	}
	if entry.Failed > 0 {
		logger.WarnCtx(ctx, "cleanup report, agent_id: %s, classes: %v, deleted: %d, failed: %d",
			agent.AgentID, names, entry.Deleted, entry.Failed)
	} else {
		logger.InfoCtx(ctx, "cleanup report, agent_id: %s, classes: %v, deleted: %d",
			agent.AgentID, names, entry.Deleted)
	}
	return toCleanupEntry(entry)
}

// ListCleanups returns recent cleanup reports of an agent, newest first
func (s *CleanupService) ListCleanups(ctx context.Context, agentID string, limit int) ([]*CleanupEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	logs, err := s.repo.CleanupLog.ListByAgent(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	result := make([]*CleanupEntry, 0, len(logs))
	for _, l := range logs {
		entry, err := toCleanupEntry(l)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, nil
}

func toCleanupEntry(l *mysql.CleanupLog) (*CleanupEntry, error) {
	classes := make(map[string]*model.ResourceCleanup)
	if err := l.Classes.Decode(&classes); err != nil {
		return nil, fmt.Errorf("failed to decode cleanup classes: %w", err)
	}
	return &CleanupEntry{
		AgentID:    l.AgentID,
		ReportedAt: l.ReportedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Deleted:    l.Deleted,
		Failed:     l.Failed,
		Classes:    classes,
	}, nil
}
