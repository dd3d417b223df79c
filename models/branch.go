package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
)

type Branch struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id"`
	Name       string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Phone      string    `gorm:"size:20" json:"phone"`
	Address    string    `gorm:"type:text" json:"address"`
	City       string    `gorm:"size:100" json:"city"`
	Country    string    `gorm:"size:100" json:"country"`
	Lat        *float64  `json:"lat"`
	Lng        *float64  `json:"lng"`
	SortOrder  int       `gorm:"index;not null;default:0" json:"sort_order"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasCoordinates reports whether the branch can take part in the
// nearest-branch selection strategy.
func (b *Branch) HasCoordinates() bool {
	return b != nil && b.Lat != nil && b.Lng != nil
}

type NewBranch struct {
	Name      string   `json:"name" binding:"required"`
	Phone     string   `json:"phone"`
	Address   string   `json:"address"`
	City      string   `json:"city"`
	Country   string   `json:"country"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	SortOrder int      `json:"sort_order"`
}

// validate input for both create & update. (id = 0 for create)

func (input *NewBranch) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[Branch](ctx, businessId, id); err != nil {
			return err
		}
	}
	// name
	if err := utils.ValidateUnique[Branch](ctx, businessId, "name", input.Name, id); err != nil {
		return err
	}
	// phone
	if len(strings.TrimSpace(input.Phone)) > 0 {
		if err := utils.ValidateUnique[Branch](ctx, businessId, "phone", input.Phone, id); err != nil {
			return err
		}
	}
	// coordinates come in pairs
	if (input.Lat == nil) != (input.Lng == nil) {
		return errors.New("lat and lng must both be set or both be empty")
	}
	if input.Lat != nil && (*input.Lat < -90 || *input.Lat > 90) {
		return errors.New("lat must be between -90 and 90")
	}
	if input.Lng != nil && (*input.Lng < -180 || *input.Lng > 180) {
		return errors.New("lng must be between -180 and 180")
	}
	return nil
}

func CreateBranch(ctx context.Context, input *NewBranch) (*Branch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	branch := Branch{
		BusinessId: businessId,
		Name:       input.Name,
		Phone:      input.Phone,
		Address:    input.Address,
		City:       input.City,
		Country:    input.Country,
		Lat:        input.Lat,
		Lng:        input.Lng,
		SortOrder:  input.SortOrder,
		IsActive:   utils.NewTrue(),
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&branch).Error
	if err != nil {
		return nil, err
	}

	return &branch, nil
}

func UpdateBranch(ctx context.Context, id int, input *NewBranch) (*Branch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	branch, err := utils.FetchModel[Branch](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// db action
	db := config.GetDB()
	err = db.WithContext(ctx).Model(&branch).Updates(map[string]interface{}{
		"Name":      input.Name,
		"Phone":     input.Phone,
		"Address":   input.Address,
		"City":      input.City,
		"Country":   input.Country,
		"Lat":       input.Lat,
		"Lng":       input.Lng,
		"SortOrder": input.SortOrder,
	}).Error
	if err != nil {
		return nil, err
	}

	InvalidateResourceCache[Branch](id)
	return branch, nil
}

func DeleteBranch(ctx context.Context, id int) (*Branch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	result, err := utils.FetchModel[Branch](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// check if the branch is used
	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(&StockRecord{}).
		Where("business_id = ? AND branch_id = ? AND quantity > 0", businessId, id).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("branch still holds stock")
	}
	if err := db.WithContext(ctx).Model(&Transfer{}).
		Where("business_id = ? AND (source_branch_id = ? OR destination_branch_id = ?) AND status NOT IN ?",
			businessId, id, id, []TransferStatus{TransferStatusCompleted, TransferStatusCancelled}).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("branch has open transfers")
	}

	// db action
	err = db.WithContext(ctx).Delete(&result).Error
	if err != nil {
		return nil, err
	}

	InvalidateResourceCache[Branch](id)
	return result, nil
}

func GetBranch(ctx context.Context, id int) (*Branch, error) {

	return GetResource[Branch](ctx, id)
}

func GetBranches(ctx context.Context, name *string) ([]*Branch, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*Branch

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	// db query
	err := dbCtx.Order("sort_order, id").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetActiveBranches returns active branches in directory order
// (sort_order, then id). Selection strategies depend on this ordering.
func GetActiveBranches(ctx context.Context, businessId string) ([]*Branch, error) {
	db := config.GetDB()
	var results []*Branch
	err := db.WithContext(ctx).
		Where("business_id = ? AND is_active = ?", businessId, true).
		Order("sort_order, id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func ToggleActiveBranch(ctx context.Context, id int, isActive bool) (*Branch, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if !isActive {
		db := config.GetDB()
		var count int64
		if err := db.WithContext(ctx).Model(&Transfer{}).
			Where("business_id = ? AND (source_branch_id = ? OR destination_branch_id = ?) AND status IN ?",
				businessId, id, id, []TransferStatus{TransferStatusPending, TransferStatusInTransit}).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, errors.New("cannot deactivate a branch with transfers in flight")
		}
	}
	return ToggleActiveModel[Branch](ctx, businessId, id, isActive)
}
