package engine

import (
	"fmt"

	"github.com/petrijr/tokenflow/pkg/api"
)

// advance runs traversal until no ready token is left: every token is
// consumed, parked at a join, waiting for a task, or waiting for a timer or
// message. It never blocks and never loops in the background.
func (e *Engine) advance(tr *transition) error {
	steps := 0
	for !tr.inst.Terminal() {
		i := tr.nextReady()
		if i < 0 {
			break
		}
		steps++
		if steps > e.cfg.MaxSteps {
			return tr.structural("", fmt.Errorf("%w: %d steps", api.ErrStepLimitExceeded, e.cfg.MaxSteps))
		}

		tok := tr.inst.Tokens[i]
		node, ok := tr.def.Node(tok.NodeID)
		if !ok {
			return tr.structural(tok.NodeID, fmt.Errorf("%w: token on unknown node", api.ErrStructural))
		}
		tr.entered = append(tr.entered, tok)

		var err error
		switch n := node.(type) {
		case *api.Task:
			err = e.enterTask(tr, i, n)
		case *api.Gateway:
			err = e.enterGateway(tr, tok, n)
		case *api.Event:
			err = e.enterEvent(tr, tok, n)
		default:
			err = tr.structural(tok.NodeID, fmt.Errorf("%w: unknown node type %T", api.ErrStructural, node))
		}
		if err != nil {
			return err
		}
	}
	return tr.settle()
}

func (e *Engine) enterTask(tr *transition, i int, n *api.Task) error {
	task := newDispatchedTask(tr.inst, tr.inst.Tokens[i], n)

	tok := &tr.inst.Tokens[i]
	tok.Status = api.TokenTask
	tok.WaitRef = task.ID

	if n.SLA != nil {
		prio := n.SLA.Priority
		if prio == 0 {
			prio = n.Priority
		}
		sla := api.TimerEntry{
			ID:       newID(),
			NodeID:   n.ID,
			TokenID:  tok.ID,
			Kind:     api.TimerSLA,
			FireAt:   tr.now.Add(n.SLA.After),
			Priority: prio,
		}
		tok.SLARef = sla.ID
		tr.addTimer(sla)
	}

	tr.tasks = append(tr.tasks, task)
	return nil
}

func (e *Engine) enterEvent(tr *transition, tok api.Token, n *api.Event) error {
	switch n.Kind {
	case api.EventStart:
		return e.leave(tr, tok)

	case api.EventEnd:
		tr.removeToken(tok.ID)
		return nil

	case api.EventTerminateEnd:
		tr.complete()
		return nil

	case api.EventErrorEnd:
		info := tr.inst.PendingError
		if info == nil {
			info = &api.ErrorInfo{Kind: api.KindErrorEvent, Message: "error end event reached", NodeID: n.ID}
		}
		tr.terminate(info, fmt.Errorf("error end event %s: %s", n.ID, info.Message))
		return nil

	case api.EventTimer:
		fireAt := n.Timer.At
		if n.Timer.Duration > 0 {
			fireAt = tr.now.Add(n.Timer.Duration)
		}
		entry := api.TimerEntry{
			ID:               newID(),
			NodeID:           n.ID,
			TokenID:          tok.ID,
			Kind:             api.TimerWait,
			FireAt:           fireAt,
			Priority:         n.Timer.Priority,
			Calendar:         n.Timer.Calendar,
			OverrideBlackout: n.Timer.OverrideBlackout,
		}
		tr.addTimer(entry)

		i := tr.tokenIndex(tok.ID)
		tr.inst.Tokens[i].Status = api.TokenTimer
		tr.inst.Tokens[i].WaitRef = entry.ID
		return nil

	case api.EventMessage:
		i := tr.tokenIndex(tok.ID)
		tr.inst.Tokens[i].Status = api.TokenMessage
		tr.inst.Tokens[i].WaitRef = n.Message
		return nil

	default:
		return tr.structural(n.ID, fmt.Errorf("%w: unknown event kind %v", api.ErrStructural, n.Kind))
	}
}

// leave moves a token past a task or event along its enabled outgoing
// flows: every unconditional flow and every flow whose condition holds, or
// the default flow when none does.
func (e *Engine) leave(tr *transition, tok api.Token) error {
	var enabled []api.SequenceFlow
	var fallback *api.SequenceFlow
	for _, f := range tr.def.Outgoing(tok.NodeID) {
		if f.Default {
			fallback = &f
			continue
		}
		ok, err := holds(f, tr.inst.Variables)
		if err != nil {
			return e.noEnabledFlow(tr, tok, err)
		}
		if ok {
			enabled = append(enabled, f)
		}
	}
	if len(enabled) == 0 && fallback != nil {
		enabled = append(enabled, *fallback)
	}
	if len(enabled) == 0 {
		return e.noEnabledFlow(tr, tok, nil)
	}

	tr.follow(tok.ID, enabled)
	return nil
}

func holds(f api.SequenceFlow, vars map[string]any) (bool, error) {
	if f.Condition == nil {
		return true, nil
	}
	ok, err := f.Condition.Evaluate(vars)
	if err != nil {
		return false, fmt.Errorf("flow %s: %w", f.ID, err)
	}
	return ok, nil
}

func projectInputs(vars map[string]any, inputs []string) map[string]any {
	if len(inputs) == 0 {
		return api.CloneVariables(vars)
	}
	out := make(map[string]any, len(inputs))
	for _, k := range inputs {
		if v, ok := vars[k]; ok {
			out[k] = v
		}
	}
	return api.CloneVariables(out)
}
