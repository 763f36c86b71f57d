package config

import (
	"context"

	"go.uber.org/zap"

	"cynthion-go/bus"
	"cynthion-go/services/boards"
)

// FamiliesTopic carries the active table as []types.FamilySummary (retained).
func FamiliesTopic() bus.Topic { return bus.T(configPrefix, tokFamilies) }

// ConfigService owns the family table: it loads it, publishes it and, when
// backed by a file, follows edits.
type ConfigService struct {
	Name string
	Path string // empty means the built-in table only

	log *zap.SugaredLogger
}

func NewConfigService(path string, log *zap.SugaredLogger) *ConfigService {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ConfigService{Name: serviceName, Path: path, log: log.Named(serviceName)}
}

// Load builds the registry the service is configured for.
func (s *ConfigService) Load() (*boards.Registry, error) {
	if s.Path == "" {
		return Builtin()
	}
	return Load(s.Path)
}

func (s *ConfigService) publishConfig(conn *bus.Connection, reg *boards.Registry) {
	conn.Publish(conn.NewMessage(FamiliesTopic(), Summaries(reg), true))
}

// Start loads and publishes the table and returns the registry. With a
// file-backed table it keeps watching in the background until ctx is done,
// republishing and calling onReload after each accepted edit.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection, onReload func(*boards.Registry)) (*boards.Registry, error) {
	reg, err := s.Load()
	if err != nil {
		return nil, err
	}
	s.publishConfig(conn, reg)
	s.log.Infow("family table loaded", "families", reg.Len(), "path", s.Path)

	if s.Path != "" {
		go func() {
			err := Watch(ctx, s.Path, s.log, func(r *boards.Registry) {
				s.publishConfig(conn, r)
				if onReload != nil {
					onReload(r)
				}
			})
			if err != nil {
				s.log.Errorw("watch stopped", "error", err)
			}
		}()
	}
	return reg, nil
}
