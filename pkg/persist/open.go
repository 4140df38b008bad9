package persist

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/db"
)

// Open builds the repository selected by cfg.Driver. It returns nil and no
// error for the none driver.
func Open(cfg config.Persistence, log *zap.Logger) (Repository, error) {
	switch cfg.Driver {
	case "", config.DriverNone:
		return nil, nil
	case config.DriverPebble:
		repo, err := OpenPebble(cfg.PebblePath, nil, log)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case config.DriverScylla:
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, log)
		if err != nil {
			return nil, err
		}
		if err := session.EnsureSchema(); err != nil {
			session.Close()
			return nil, err
		}
		return NewScyllaRepository(session), nil
	}
	return nil, errors.Errorf("unknown persistence driver %q", cfg.Driver)
}
