package controlplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/google/uuid"
)

// FakeClient is an in-memory Client used by tests that need to drive
// the Executor/Prober without a real control-plane endpoint. Scripted
// responses are keyed by host; by default a submitted command
// transitions straight to Success.
type FakeClient struct {
	mu           sync.Mutex
	responses    map[string]types.CommandResult // cmdID -> terminal result
	byHost       map[string]types.CommandResult // host -> default result for new commands
	submitted    []string                       // payloads submitted, in order
	agentsOnline map[string]bool                // host -> agent online, default true
}

// NewFakeClient returns a ready-to-use FakeClient whose commands
// succeed immediately and whose agents report online unless
// overridden.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		responses:    make(map[string]types.CommandResult),
		byHost:       make(map[string]types.CommandResult),
		agentsOnline: make(map[string]bool),
	}
}

// SetAgentOnline overrides whether host's agent reports online.
func (f *FakeClient) SetAgentOnline(host string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentsOnline[host] = online
}

// AgentOnline implements Client.
func (f *FakeClient) AgentOnline(ctx context.Context, host string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	online, ok := f.agentsOnline[host]
	if !ok {
		return true, nil
	}
	return online, nil
}

// SetHostResult overrides the terminal result every future command
// submitted for host will resolve to.
func (f *FakeClient) SetHostResult(host string, result types.CommandResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byHost[host] = result
}

// SubmitCommand implements Client.
func (f *FakeClient) SubmitCommand(ctx context.Context, host, payload string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.New().String()
	result, ok := f.byHost[host]
	if !ok {
		result = types.CommandResult{Status: types.CommandSuccess, ExitCode: 0}
	}
	f.responses[id] = result
	f.submitted = append(f.submitted, payload)
	return id, nil
}

// GetInvocation implements Client.
func (f *FakeClient) GetInvocation(ctx context.Context, cmdID string) (types.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result, ok := f.responses[cmdID]
	if !ok {
		return types.CommandResult{}, fmt.Errorf("unknown command id %q", cmdID)
	}
	return result, nil
}

// Submitted returns every payload submitted so far, in submission
// order.
func (f *FakeClient) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.submitted))
	copy(out, f.submitted)
	return out
}
