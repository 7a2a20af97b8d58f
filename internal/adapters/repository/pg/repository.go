package pg

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agentfleet.manager/internal/core/domain"
)

// AgentRecord is the journaled form of an agent. The indexed columns answer
// audit queries; Snapshot carries the full record.
type AgentRecord struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)"`
	Name         string    `gorm:"type:varchar(255);index"`
	Type         string    `gorm:"type:varchar(32)"`
	Template     string    `gorm:"type:varchar(255);index"`
	Status       string    `gorm:"type:varchar(32);index"`
	Health       float64
	Workload     int
	RestartCount int
	PoolID       string `gorm:"type:varchar(64);index"`
	Snapshot     []byte `gorm:"type:jsonb"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (AgentRecord) TableName() string { return "fleet_agents" }

type PoolRecord struct {
	ID          string `gorm:"primaryKey;type:varchar(64)"`
	Name        string `gorm:"type:varchar(255);uniqueIndex"`
	Template    string `gorm:"type:varchar(255)"`
	CurrentSize int
	MinSize     int
	MaxSize     int
	AutoScale   bool
	Snapshot    []byte `gorm:"type:jsonb"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (PoolRecord) TableName() string { return "fleet_pools" }

// Repository is the Postgres journal of committed agent and pool snapshots.
type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return NewRepositoryWithDB(db)
}

// NewRepositoryWithDB migrates and wraps an already opened connection.
func NewRepositoryWithDB(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&AgentRecord{}, &PoolRecord{}); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) SaveAgent(ctx context.Context, agent *domain.Agent) error {
	snapshot, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	rec := AgentRecord{
		ID:           string(agent.ID),
		Name:         agent.Name,
		Type:         string(agent.Type),
		Template:     agent.Template,
		Status:       string(agent.Status),
		Health:       agent.Health,
		Workload:     agent.Workload,
		RestartCount: agent.RestartCount,
		PoolID:       string(agent.PoolID),
		Snapshot:     snapshot,
		CreatedAt:    agent.CreatedAt,
		UpdatedAt:    agent.UpdatedAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

func (r *Repository) DeleteAgent(ctx context.Context, id domain.AgentID) error {
	return r.db.WithContext(ctx).Delete(&AgentRecord{}, "id = ?", string(id)).Error
}

func (r *Repository) SavePool(ctx context.Context, pool *domain.AgentPool) error {
	snapshot, err := json.Marshal(pool)
	if err != nil {
		return err
	}
	rec := PoolRecord{
		ID:          string(pool.ID),
		Name:        pool.Name,
		Template:    pool.Template,
		CurrentSize: pool.CurrentSize,
		MinSize:     pool.MinSize,
		MaxSize:     pool.MaxSize,
		AutoScale:   pool.AutoScale,
		Snapshot:    snapshot,
		CreatedAt:   pool.CreatedAt,
		UpdatedAt:   pool.UpdatedAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

func (r *Repository) DeletePool(ctx context.Context, id domain.PoolID) error {
	return r.db.WithContext(ctx).Delete(&PoolRecord{}, "id = ?", string(id)).Error
}

// ListAgents returns the journaled agents, most recently updated first.
func (r *Repository) ListAgents(ctx context.Context, status string, offset, limit int) ([]*domain.Agent, error) {
	var recs []AgentRecord
	q := r.db.WithContext(ctx).Order("updated_at desc").Offset(offset).Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	agents := make([]*domain.Agent, 0, len(recs))
	for _, rec := range recs {
		var a domain.Agent
		if err := json.Unmarshal(rec.Snapshot, &a); err != nil {
			return nil, err
		}
		agents = append(agents, &a)
	}
	return agents, nil
}

func (r *Repository) CountAgentsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&AgentRecord{}).
		Select("status, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err
	}
	var result int
	return r.db.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}
