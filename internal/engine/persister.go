package engine

import (
	"context"

	"cmsflow/internal/domain"
	"cmsflow/internal/workflow"
)

// LocalPersister saves coordinator mutations straight through the engine.
type LocalPersister struct {
	Engine  Engine
	ActorID string
}

var _ workflow.Persister = LocalPersister{}
var _ workflow.Rejection = (*ValidationError)(nil)

func (p LocalPersister) SaveStatus(ctx context.Context, itemID string, change domain.StatusChange) error {
	actor := change.ChangedBy
	if actor == "" {
		actor = p.ActorID
	}
	_, err := p.Engine.ChangeStatus(ctx, ChangeStatusOptions{ID: itemID, Target: string(change.Status), ActorID: actor, Reason: change.Reason})
	return err
}

func (p LocalPersister) SaveDecisions(ctx context.Context, itemID string, ds []domain.Decision) ([]domain.Decision, error) {
	res, err := p.Engine.SaveDecisions(ctx, itemID, p.ActorID, ds)
	return res.Saved, err
}

func (p LocalPersister) SaveBatchDecision(ctx context.Context, itemID string, b workflow.BatchDecision) ([]domain.Decision, error) {
	res, err := p.Engine.BatchDecision(ctx, itemID, p.ActorID, b)
	return res.Saved, err
}

// OpenCoordinator loads an item and returns a coordinator persisting through
// this engine as actorID.
func (e Engine) OpenCoordinator(ctx context.Context, itemID, actorID string, opts ...workflow.Option) (*workflow.Coordinator, error) {
	rv, err := e.Review(ctx, itemID)
	if err != nil {
		return nil, err
	}
	base := []workflow.Option{workflow.WithActor(actorID), workflow.WithClock(e.now), workflow.WithLogger(e.log())}
	return workflow.NewCoordinator(rv.Snapshot(), LocalPersister{Engine: e, ActorID: actorID}, append(base, opts...)...)
}
