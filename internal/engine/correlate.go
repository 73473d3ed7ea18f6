package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/tokenflow/pkg/api"
)

// Correlate delivers payload to the one waiting instance whose correlation
// key is key. The oldest message token of that instance is resumed.
//
// Two concurrent deliveries for the same instance are serialized by the
// instance lock; the second finds no message token and fails with
// ErrNoMatchingInstance.
func (e *Engine) Correlate(ctx context.Context, key string, payload map[string]any) (string, error) {
	if key == "" {
		return "", &api.Error{Kind: api.KindConfiguration, Op: "correlate", Err: errors.New("empty correlation key")}
	}

	var live []*api.ProcessInstance
	err := e.retryStore(ctx, "correlate", "", func() error {
		var err error
		live, err = e.store.FindByCorrelationKey(ctx, key)
		return err
	})
	if err != nil {
		return "", err
	}

	var candidates []*api.ProcessInstance
	for _, inst := range live {
		if inst.State == api.StateWaiting && oldestMessageToken(inst) >= 0 {
			candidates = append(candidates, inst)
		}
	}

	switch len(candidates) {
	case 0:
		return "", noMatch("", key)
	case 1:
	default:
		return "", &api.Error{
			Kind: api.KindConfiguration,
			Op:   "correlate",
			Err:  fmt.Errorf("%w: key %q matches %d instances", api.ErrAmbiguousCorrelation, key, len(candidates)),
		}
	}

	id := candidates[0].ID
	_, err = e.mutate(ctx, "correlate", id, func(tr *transition) error {
		i := oldestMessageToken(tr.inst)
		if tr.inst.Terminal() || i < 0 {
			return noMatch(id, key)
		}
		tr.mergeVariables(payload)
		tr.clearWait(i)
		if err := e.leave(tr, tr.inst.Tokens[i]); err != nil {
			return err
		}
		return e.advance(tr)
	})
	if err != nil && api.KindOf(err) == api.KindNotFound {
		return "", noMatch(id, key)
	}
	return id, err
}

func noMatch(instanceID, key string) error {
	return &api.Error{
		Kind:       api.KindNoMatchingInstance,
		Op:         "correlate",
		InstanceID: instanceID,
		Err:        fmt.Errorf("%w: key %q", api.ErrNoMatchingInstance, key),
	}
}

func oldestMessageToken(inst *api.ProcessInstance) int {
	found := -1
	for i, t := range inst.Tokens {
		if t.Status != api.TokenMessage {
			continue
		}
		if found < 0 || t.ArrivedAt.Before(inst.Tokens[found].ArrivedAt) {
			found = i
		}
	}
	return found
}
