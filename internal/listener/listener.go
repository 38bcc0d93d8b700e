// Package listener receives serverControl conditions over NATS and
// drives them through the conductor core, publishing condition status
// as tasks progress.
package listener

import (
	"context"
	"time"

	"github.com/metal-toolbox/ctrl"
	rctypes "github.com/metal-toolbox/rivets/v2/condition"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/conductor/internal/conductor"
	"github.com/metal-toolbox/conductor/internal/config"
	"github.com/metal-toolbox/conductor/internal/model"
)

var (
	pkgName = "internal/listener"
	retries = 5
)

// Listener connects the NATS condition stream to the conductor.
type Listener struct {
	cfg       *config.Configuration
	logger    *logrus.Entry
	conductor *conductor.Conductor
	nc        *ctrl.NatsController
}

func New(ctx context.Context, cfg *config.Configuration, logger *logrus.Entry, core *conductor.Conductor) (*Listener, error) {
	l := &Listener{
		cfg:       cfg,
		logger:    logger,
		conductor: core,
	}

	err := l.initNats(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize connection to nats")
	}

	return l, nil
}

// Listen blocks handling conditions until ctx ends.
func (l *Listener) Listen(ctx context.Context) error {
	handleFactory := func() ctrl.TaskHandler {
		return &TaskHandler{
			logger:       l.logger,
			conductor:    l.conductor,
			controllerID: l.nc.ID(),
		}
	}

	err := l.nc.ListenEvents(ctx, handleFactory)
	if err != nil {
		return err
	}

	return nil
}

func (l *Listener) initNats(ctx context.Context) error {
	var err error

	for i := range retries {
		l.nc = ctrl.NewNatsController(
			model.AppName,
			l.cfg.FacilityCode,
			model.AppSubject,
			l.cfg.Endpoints.Nats.URL,
			l.cfg.Endpoints.Nats.CredsFile,
			rctypes.ServerControl,
			ctrl.WithConcurrency(l.cfg.Concurrency),
			ctrl.WithKVReplicas(l.cfg.Endpoints.Nats.KVReplicas),
			ctrl.WithLogger(l.logger.Logger),
			ctrl.WithConnectionTimeout(l.cfg.Endpoints.Nats.ConnectTimeout),
		)

		err = l.nc.Connect(ctx)
		if err == nil {
			return nil
		}

		l.logger.Error(err)
		l.logger.Warnf("Attempt %d of %d failed. Trying again . . .", i, retries)
		time.Sleep(time.Duration(i) * time.Second)
	}

	return err
}
