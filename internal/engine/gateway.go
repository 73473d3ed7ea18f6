package engine

import (
	"fmt"

	"github.com/petrijr/tokenflow/pkg/api"
)

func (e *Engine) enterGateway(tr *transition, tok api.Token, g *api.Gateway) error {
	flows, err := e.resolveGateway(tr, tok, g)
	if err != nil || flows == nil {
		return err
	}
	tr.follow(tok.ID, flows)
	return nil
}

// resolveGateway returns the flows a token at g continues on. A nil result
// without error means the token was parked at a join, or consumed by a join
// that already moved on.
func (e *Engine) resolveGateway(tr *transition, tok api.Token, g *api.Gateway) ([]api.SequenceFlow, error) {
	switch g.Kind {
	case api.GatewayExclusive:
		var fallback *api.SequenceFlow
		for _, f := range tr.def.Outgoing(g.ID) {
			if f.Default {
				fallback = &f
				continue
			}
			ok, err := holds(f, tr.inst.Variables)
			if err != nil {
				return nil, e.noEnabledFlow(tr, tok, err)
			}
			if ok {
				return []api.SequenceFlow{f}, nil
			}
		}
		if fallback != nil {
			return []api.SequenceFlow{*fallback}, nil
		}
		return nil, e.noEnabledFlow(tr, tok, nil)

	case api.GatewayParallel:
		if len(tr.def.Incoming(g.ID)) <= 1 {
			return tr.def.Outgoing(g.ID), nil
		}
		e.join(tr, tok, g)
		return nil, nil

	default:
		return nil, tr.structural(g.ID, fmt.Errorf("%w: unknown gateway kind %v", api.ErrStructural, g.Kind))
	}
}

// join parks tok at g. Once every incoming flow has a parked arrival, one
// token per flow is consumed and a token is placed on every outgoing flow.
func (e *Engine) join(tr *transition, tok api.Token, g *api.Gateway) {
	i := tr.tokenIndex(tok.ID)
	tr.inst.Tokens[i].Status = api.TokenJoined
	tr.inst.Tokens[i].JoinGroup = g.ID

	incoming := tr.def.Incoming(g.ID)
	consumed := make([]string, 0, len(incoming))
	for _, f := range incoming {
		id := ""
		for _, t := range tr.inst.Tokens {
			if t.Status == api.TokenJoined && t.JoinGroup == g.ID && t.Via == f.ID {
				id = t.ID
				break
			}
		}
		if id == "" {
			return
		}
		consumed = append(consumed, id)
	}

	for _, id := range consumed {
		tr.removeToken(id)
	}
	for _, f := range tr.def.Outgoing(g.ID) {
		tr.spawn(f.Target, f.ID)
	}
}

// noEnabledFlow routes a token that cannot leave its node through the node's
// error flow, recording the error as pending. Without an error flow the
// returned configuration error terminates the instance.
func (e *Engine) noEnabledFlow(tr *transition, tok api.Token, cause error) error {
	err := fmt.Errorf("%w at %s", api.ErrNoEnabledFlow, tok.NodeID)
	if cause != nil {
		err = fmt.Errorf("%w at %s: %w", api.ErrNoEnabledFlow, tok.NodeID, cause)
	}

	if ef, ok := tr.def.ErrorFlow(tok.NodeID); ok {
		tr.inst.PendingError = &api.ErrorInfo{Kind: api.KindConfiguration, Message: err.Error(), NodeID: tok.NodeID}
		tr.follow(tok.ID, []api.SequenceFlow{ef})
		return nil
	}
	return tr.configuration(tok.NodeID, err)
}
