package repos

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/types"
)

type BatchMemberRepo interface {
	Create(ctx context.Context, tx *gorm.DB, members []*types.BatchMember) ([]*types.BatchMember, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.BatchMember, error)
	GetByKey(ctx context.Context, tx *gorm.DB, batchID int64, memberKey string) (*types.BatchMember, error)
	ListByBatch(ctx context.Context, tx *gorm.DB, batchID int64) ([]*types.BatchMember, error)
	ListActiveByBatch(ctx context.Context, tx *gorm.DB, batchID int64) ([]*types.BatchMember, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error)
	// Dispatch stamps are written only after the matching event published.
	StampAddDispatched(ctx context.Context, tx *gorm.DB, id int64, at time.Time) error
	StampRemoveDispatched(ctx context.Context, tx *gorm.DB, id int64, at time.Time) error
	UpdateData(ctx context.Context, tx *gorm.DB, id int64, data datatypes.JSON) error
	MergeWorkerData(ctx context.Context, tx *gorm.DB, id int64, data datatypes.JSON) error
}

type batchMemberRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBatchMemberRepo(db *gorm.DB, baseLog *logger.Logger) BatchMemberRepo {
	return &batchMemberRepo{db: db, log: baseLog.With("repo", "BatchMemberRepo")}
}

func (r *batchMemberRepo) Create(ctx context.Context, tx *gorm.DB, members []*types.BatchMember) ([]*types.BatchMember, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(members) == 0 {
		return []*types.BatchMember{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

func (r *batchMemberRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.BatchMember, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var m types.BatchMember
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&m).Error
	if err != nil {
		return nil, err
	}
	if m.ID == 0 {
		return nil, nil
	}
	return &m, nil
}

func (r *batchMemberRepo) GetByKey(ctx context.Context, tx *gorm.DB, batchID int64, memberKey string) (*types.BatchMember, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var m types.BatchMember
	err := transaction.WithContext(ctx).
		Where("batch_id = ? AND member_key = ?", batchID, memberKey).
		Limit(1).
		Find(&m).Error
	if err != nil {
		return nil, err
	}
	if m.ID == 0 {
		return nil, nil
	}
	return &m, nil
}

func (r *batchMemberRepo) ListByBatch(ctx context.Context, tx *gorm.DB, batchID int64) ([]*types.BatchMember, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.BatchMember
	if err := transaction.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("member_key ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *batchMemberRepo) ListActiveByBatch(ctx context.Context, tx *gorm.DB, batchID int64) ([]*types.BatchMember, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.BatchMember
	if err := transaction.WithContext(ctx).
		Where("batch_id = ? AND status = ?", batchID, types.MemberStatusActive).
		Order("member_key ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *batchMemberRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).Model(&types.BatchMember{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *batchMemberRepo) StampAddDispatched(ctx context.Context, tx *gorm.DB, id int64, at time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Model(&types.BatchMember{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"add_dispatched_at": at, "updated_at": time.Now()}).Error
}

func (r *batchMemberRepo) StampRemoveDispatched(ctx context.Context, tx *gorm.DB, id int64, at time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Model(&types.BatchMember{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"remove_dispatched_at": at, "updated_at": time.Now()}).Error
}

func (r *batchMemberRepo) UpdateData(ctx context.Context, tx *gorm.DB, id int64, data datatypes.JSON) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Model(&types.BatchMember{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"data_json": data, "updated_at": time.Now()}).Error
}

// MergeWorkerData overwrites worker_data_json with the caller-merged value.
// Callers read, merge in memory, then write; the scheduler never touches
// this column so last-writer-wins is confined to worker results.
func (r *batchMemberRepo) MergeWorkerData(ctx context.Context, tx *gorm.DB, id int64, data datatypes.JSON) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Model(&types.BatchMember{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"worker_data_json": data, "updated_at": time.Now()}).Error
}
