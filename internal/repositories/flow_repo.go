package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wacore-labs/runtime/internal/models"
)

// FlowRepo serves the Flow Engine's node-graph reads.
type FlowRepo interface {
	GetFlow(ctx context.Context, organizationID, id uuid.UUID) (*models.Flow, error)
	GetNode(ctx context.Context, flowID uuid.UUID, nodeID string) (*models.Node, error)
	ListNodes(ctx context.Context, flowID uuid.UUID) ([]models.Node, error)
}

type flowRepo struct {
	db *gorm.DB
}

func NewFlowRepo(db *gorm.DB) FlowRepo {
	return &flowRepo{db: db}
}

func (r *flowRepo) GetFlow(ctx context.Context, organizationID, id uuid.UUID) (*models.Flow, error) {
	var f models.Flow
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND id = ?", organizationID, id).
		First(&f).Error
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return &f, nil
}

func (r *flowRepo) GetNode(ctx context.Context, flowID uuid.UUID, nodeID string) (*models.Node, error) {
	var n models.Node
	err := r.db.WithContext(ctx).
		Where("flow_id = ? AND id = ?", flowID, nodeID).
		First(&n).Error
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	return &n, nil
}

func (r *flowRepo) ListNodes(ctx context.Context, flowID uuid.UUID) ([]models.Node, error) {
	var nodes []models.Node
	if err := r.db.WithContext(ctx).Where("flow_id = ?", flowID).Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}
