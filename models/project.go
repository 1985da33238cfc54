package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
)

type Project struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id"`
	Name       string    `gorm:"size:255;not null" json:"name" validate:"required"`
	Code       string    `gorm:"index;size:50" json:"code"`
	Currency   string    `gorm:"size:3" json:"currency"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p Project) GetBusinessId() string {
	return p.BusinessId
}

type NewProject struct {
	Name     string `json:"name" validate:"required"`
	Code     string `json:"code"`
	Currency string `json:"currency"`
}

func CreateProject(ctx context.Context, input *NewProject) (*Project, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.Code != "" {
		if err := utils.ValidateUnique[Project](ctx, businessId, "code", input.Code, 0); err != nil {
			return nil, err
		}
	}

	project := Project{
		BusinessId: businessId,
		Name:       input.Name,
		Code:       input.Code,
		Currency:   input.Currency,
		IsActive:   utils.NewTrue(),
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Create(&project).Error
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// GetProjects lists every project of the caller's business.
func GetProjects(ctx context.Context) ([]*Project, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[Project](ctx, businessId)
}

func GetProject(ctx context.Context, id int) (*Project, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Project](ctx, businessId, id)
}

// validateProjectId checks the project exists and belongs to the caller.
func validateProjectId(ctx context.Context, businessId string, projectId int) error {
	if projectId <= 0 {
		return &utils.ValidationError{Field: "project_id", Message: "required"}
	}
	if err := utils.ValidateResourceId[Project](ctx, businessId, projectId); err != nil {
		return errors.New("project not found")
	}
	return nil
}
