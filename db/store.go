package db

import (
	"context"
	"errors"

	"spiked/model"
)

var (
	ErrSettingNotFound = errors.New("setting not found")
	ErrMissingBind     = errors.New("required store binding is not configured")
	ErrStoreMissing    = errors.New("store file does not exist")
)

type Store interface {
	Ping(ctx context.Context) error
	CreateSchema(ctx context.Context) error
	Transaction(ctx context.Context, fn func(tx *Tx) error) error
	GetSetting(ctx context.Context, name string) (*model.Setting, error)
	ListSettings(ctx context.Context) ([]model.Setting, error)
	ListRuleSets(ctx context.Context) ([]model.RuleSet, error)
	ListValueTemplates(ctx context.Context) ([]model.ValueTemplate, error)
	ListAuditLogs(ctx context.Context) ([]model.AuditLog, error)
	Close() error
}
