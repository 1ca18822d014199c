package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/flowdialog/types"
)

// Store persists templates and their steps.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates a template store.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Create persists a template and its steps. Missing ids are assigned.
func (s *Store) Create(ctx context.Context, tpl *FlowTemplate) error {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	orders := make(map[int]struct{}, len(tpl.Steps))
	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.TemplateID = tpl.ID
		if step.Order < 1 {
			return types.NewErrorf(types.ErrValidation,
				"step %d has non-positive order %d", i, step.Order)
		}
		if _, dup := orders[step.Order]; dup {
			return types.NewErrorf(types.ErrValidation,
				"duplicate step order %d in template %s", step.Order, tpl.Name)
		}
		orders[step.Order] = struct{}{}
		if !step.TaskType.Valid() {
			return types.NewErrorf(types.ErrValidation,
				"unknown task type %q at order %d", step.TaskType, step.Order)
		}
	}
	if err := s.db.WithContext(ctx).Create(tpl).Error; err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	s.logger.Info("template created",
		zap.String("template_id", tpl.ID),
		zap.String("name", tpl.Name),
		zap.Int("steps", len(tpl.Steps)))
	return nil
}

// Get loads a template with its steps ordered by step order.
func (s *Store) Get(ctx context.Context, templateID string) (*FlowTemplate, error) {
	var tpl FlowTemplate
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).
		First(&tpl, "id = ?", templateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "template %s not found", templateID)
	}
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	return &tpl, nil
}

// UpdateSteps replaces a template's step list. Running sessions are not
// affected; they execute against their own snapshot.
func (s *Store) UpdateSteps(ctx context.Context, templateID string, steps []FlowStep) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("template_id = ?", templateID).Delete(&FlowStep{}).Error; err != nil {
			return fmt.Errorf("clear steps: %w", err)
		}
		for i := range steps {
			steps[i].TemplateID = templateID
			if steps[i].ID == "" {
				steps[i].ID = uuid.NewString()
			}
		}
		if len(steps) == 0 {
			return nil
		}
		if err := tx.Create(&steps).Error; err != nil {
			return fmt.Errorf("insert steps: %w", err)
		}
		return tx.Model(&FlowTemplate{}).
			Where("id = ?", templateID).
			Update("updated_at", time.Now()).Error
	})
}
