package orchestrator

import (
	"github.com/fyrsmithlabs/sessiond/internal/checkpoint"
	"github.com/fyrsmithlabs/sessiond/internal/intervention"
	"github.com/fyrsmithlabs/sessiond/internal/notify"
	"github.com/fyrsmithlabs/sessiond/internal/project"
	"github.com/fyrsmithlabs/sessiond/internal/retest"
	"github.com/fyrsmithlabs/sessiond/internal/session"
	"github.com/fyrsmithlabs/sessiond/internal/store"
)

// Registry provides access to all sessiond services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Store() *store.DB
	Sessions() *session.Manager
	Checkpoints() checkpoint.Service
	Interventions() *intervention.Coordinator
	Retests() *retest.Scheduler
	WorkUnits() *project.Registry
	Notifier() notify.Notifier
}

// Options configures the registry with service instances.
type Options struct {
	Store         *store.DB
	Sessions      *session.Manager
	Checkpoints   checkpoint.Service
	Interventions *intervention.Coordinator
	Retests       *retest.Scheduler
	WorkUnits     *project.Registry
	Notifier      notify.Notifier
}

// registry is the concrete implementation of Registry.
type registry struct {
	store         *store.DB
	sessions      *session.Manager
	checkpoints   checkpoint.Service
	interventions *intervention.Coordinator
	retests       *retest.Scheduler
	workUnits     *project.Registry
	notifier      notify.Notifier
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &registry{
		store:         opts.Store,
		sessions:      opts.Sessions,
		checkpoints:   opts.Checkpoints,
		interventions: opts.Interventions,
		retests:       opts.Retests,
		workUnits:     opts.WorkUnits,
		notifier:      notifier,
	}
}

func (r *registry) Store() *store.DB                         { return r.store }
func (r *registry) Sessions() *session.Manager               { return r.sessions }
func (r *registry) Checkpoints() checkpoint.Service          { return r.checkpoints }
func (r *registry) Interventions() *intervention.Coordinator { return r.interventions }
func (r *registry) Retests() *retest.Scheduler               { return r.retests }
func (r *registry) WorkUnits() *project.Registry             { return r.workUnits }
func (r *registry) Notifier() notify.Notifier                { return r.notifier }
