package engine

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/tokenflow/pkg/api"
)

// transition collects the changes of one engine operation on a working copy
// of an instance. Nothing in it is visible to others until commit; the
// side effects are performed afterwards by the engine.
type transition struct {
	inst *api.ProcessInstance
	def  *api.ProcessDefinition
	now  time.Time

	// timers are persisted before the commit.
	timers []api.TimerEntry

	// Post-commit effects.
	cancelTimers []string
	tasks        []api.DispatchedTask
	entered      []api.Token
	cleanup      bool
	reason       error

	started bool
	noop    bool

	// fatal is the error that terminated the instance in this transition.
	fatal error
}

func newTransition(inst *api.ProcessInstance, def *api.ProcessDefinition, now time.Time) *transition {
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	return &transition{inst: inst, def: def, now: now}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (tr *transition) tokenIndex(id string) int {
	for i, t := range tr.inst.Tokens {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// findWaiting returns the index of the first token in the given status
// whose WaitRef equals ref.
func (tr *transition) findWaiting(status api.TokenStatus, ref string) int {
	for i, t := range tr.inst.Tokens {
		if t.Status == status && t.WaitRef == ref {
			return i
		}
	}
	return -1
}

func (tr *transition) nextReady() int {
	for i, t := range tr.inst.Tokens {
		if t.Status == api.TokenReady {
			return i
		}
	}
	return -1
}

func (tr *transition) removeToken(id string) {
	if i := tr.tokenIndex(id); i >= 0 {
		tr.inst.Tokens = append(tr.inst.Tokens[:i], tr.inst.Tokens[i+1:]...)
	}
}

func (tr *transition) spawn(nodeID, via string) {
	tr.inst.Tokens = append(tr.inst.Tokens, api.Token{
		ID:        newID(),
		NodeID:    nodeID,
		ArrivedAt: tr.now,
		Via:       via,
		Status:    api.TokenReady,
	})
}

// follow consumes a token and places one ready token at the target of each
// flow.
func (tr *transition) follow(tokenID string, flows []api.SequenceFlow) {
	tr.removeToken(tokenID)
	for _, f := range flows {
		tr.spawn(f.Target, f.ID)
	}
}

func (tr *transition) mergeVariables(vars map[string]any) {
	maps.Copy(tr.inst.Variables, api.CloneVariables(vars))
}

func (tr *transition) addTimer(e api.TimerEntry) {
	e.InstanceID = tr.inst.ID
	if e.ID == "" {
		e.ID = newID()
	}
	tr.timers = append(tr.timers, e)
}

// clearWait releases the SLA timer attached to a waiting token.
func (tr *transition) clearWait(i int) {
	tok := &tr.inst.Tokens[i]
	if tok.SLARef != "" {
		tr.cancelTimers = append(tr.cancelTimers, tok.SLARef)
		tok.SLARef = ""
	}
	tok.Status = api.TokenReady
	tok.WaitRef = ""
}

// complete ends the instance successfully. Timers and tasks planned by this
// transition are dropped; they were never made visible.
func (tr *transition) complete() {
	tr.inst.Tokens = nil
	tr.inst.State = api.StateCompleted
	tr.inst.Error = nil
	tr.inst.PendingError = nil
	tr.timers = nil
	tr.tasks = nil
	tr.cleanup = true
}

// terminate ends the instance. info is nil for a cancellation.
func (tr *transition) terminate(info *api.ErrorInfo, reason error) {
	tr.inst.Tokens = nil
	tr.inst.State = api.StateTerminated
	tr.inst.Error = info
	tr.inst.PendingError = nil
	tr.reason = reason
	tr.timers = nil
	tr.tasks = nil
	tr.cleanup = true
}

// abort terminates the instance with err, keeping the kind err carries.
func (tr *transition) abort(err error) {
	var nodeID string
	var e *api.Error
	if errors.As(err, &e) {
		nodeID = e.NodeID
	}
	tr.terminate(api.ErrorInfoFrom(err, nodeID, api.KindStructural), err)
}

// settle derives the instance state from its tokens after traversal.
func (tr *transition) settle() error {
	if tr.inst.Terminal() {
		return nil
	}
	if len(tr.inst.Tokens) == 0 {
		tr.complete()
		return nil
	}

	var active, waiting bool
	for _, t := range tr.inst.Tokens {
		switch t.Status {
		case api.TokenReady, api.TokenTask:
			active = true
		case api.TokenTimer, api.TokenMessage:
			waiting = true
		}
	}
	switch {
	case active:
		tr.inst.State = api.StateActive
	case waiting:
		tr.inst.State = api.StateWaiting
	default:
		return tr.structural("", fmt.Errorf("%w: only tokens parked at joins remain", api.ErrStructural))
	}
	return nil
}

func (tr *transition) structural(nodeID string, err error) error {
	return &api.Error{
		Kind:       api.KindStructural,
		Op:         "advance",
		InstanceID: tr.inst.ID,
		NodeID:     nodeID,
		Err:        err,
	}
}

func (tr *transition) configuration(nodeID string, err error) error {
	return &api.Error{
		Kind:       api.KindConfiguration,
		Op:         "advance",
		InstanceID: tr.inst.ID,
		NodeID:     nodeID,
		Err:        err,
	}
}

// isFatal reports whether err terminates the instance rather than the
// operation.
func isFatal(err error) bool {
	var e *api.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == api.KindStructural || e.Kind == api.KindConfiguration
}
