package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "full context",
			err: New(ReadinessTimeout, fmt.Errorf("stage 3 deadline exceeded")).
				WithPhase("converge").WithComponent("prober").WithHost("broker-0"),
			want: "ReadinessTimeout phase=converge component=prober host=broker-0: stage 3 deadline exceeded",
		},
		{
			name: "no host",
			err:  New(ProvisionerFailed, fmt.Errorf("exit status 1")).WithPhase("provision").WithComponent("provisioner"),
			want: "ProvisionerFailed phase=provision component=provisioner: exit status 1",
		},
		{
			name: "no cause",
			err:  New(Cancelled, nil).WithPhase("run_matrix"),
			want: "Cancelled phase=run_matrix",
		},
		{
			name: "kind only",
			err:  New(Internal, nil),
			want: "Internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := New(ExecutionFailed, cause)
	assert.Equal(t, cause, err.Unwrap())

	assert.Nil(t, New(Internal, nil).Unwrap())
}

func TestIs(t *testing.T) {
	err := New(ExecutionFailed, fmt.Errorf("boom")).WithComponent("executor")
	assert.True(t, Is(err, ExecutionFailed))
	assert.False(t, Is(err, Internal))
	assert.False(t, Is(nil, Internal))
	assert.False(t, Is(fmt.Errorf("plain"), Internal))
}

func TestIs_UnwrapsPastNonMatchingKind(t *testing.T) {
	cancelled := New(Cancelled, fmt.Errorf("context canceled"))
	wrapped := New(ExecutionFailed, cancelled).WithComponent("executor")
	assert.True(t, Is(wrapped, Cancelled))
	assert.True(t, Is(wrapped, ExecutionFailed))
	assert.False(t, Is(wrapped, Internal))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		want bool
	}{
		{"execution failed is retryable", ExecutionFailed, true},
		{"resource discovery failed is retryable", ResourceDiscoveryFailed, true},
		{"config invalid is not retryable", ConfigInvalid, false},
		{"cancelled is not retryable", Cancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(New(tt.kind, nil)))
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil is success", nil, 0},
		{"config invalid is invalid invocation", New(ConfigInvalid, nil), 2},
		{"cancelled is 130", New(Cancelled, nil), 130},
		{"provisioner failed is operational failure", New(ProvisionerFailed, nil), 1},
		{"plain error is operational failure", fmt.Errorf("boom"), 1},
		{
			"cancelled wrapped as execution failed is still 130",
			New(ExecutionFailed, New(Cancelled, fmt.Errorf("context canceled"))).WithComponent("executor"),
			130,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
