package relay

import (
	"errors"
	"fmt"

	"github.com/qapish/labman/internal/domain"
	"github.com/qapish/labman/internal/protocol"
	"go.uber.org/zap"
)

// SlugStore: куда применяется registry.update.
type SlugStore interface {
	Replace(entries map[string]domain.SlugTarget)
	Upsert(entries map[string]domain.SlugTarget)
	Remove(slugs ...string)
}

// Drainer: куда применяется admin.drain.
type Drainer interface {
	SetDraining(name string, draining bool) error
	DrainAll(draining bool)
}

// RegistryEffects применяет node-scoped директивы к реестру и таблице slug'ов.
type RegistryEffects struct {
	Slugs   SlugStore
	Drainer Drainer
	Logger  *zap.Logger
}

func (e *RegistryEffects) ApplyRegistryUpdate(u *protocol.RegistryUpdate) {
	switch u.Mode {
	case protocol.RegistryReplace:
		e.Slugs.Replace(u.Slugs)
	default:
		e.Slugs.Upsert(u.Slugs)
	}
	if len(u.Remove) > 0 {
		e.Slugs.Remove(u.Remove...)
	}
	e.Logger.Info("slug table updated",
		zap.String("mode", u.Mode),
		zap.Int("slugs", len(u.Slugs)),
		zap.Int("removed", len(u.Remove)),
	)
}

func (e *RegistryEffects) ApplyDrain(d *protocol.AdminDrain) error {
	draining := !d.Resume
	if len(d.Endpoints) == 0 {
		e.Drainer.DrainAll(draining)
		e.Logger.Info("node drain changed", zap.Bool("draining", draining))
		return nil
	}
	var errs []error
	for _, name := range d.Endpoints {
		if err := e.Drainer.SetDraining(name, draining); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		e.Logger.Info("endpoint drain changed", zap.String("endpoint", name), zap.Bool("draining", draining))
	}
	return errors.Join(errs...)
}
