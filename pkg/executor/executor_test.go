package executor

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/pulsarbench/pkg/controlplane"
	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestRun_Success(t *testing.T) {
	fake := controlplane.NewFakeClient()
	ex := New(fake)

	result, err := ex.Run(context.Background(), "broker-0", "systemctl is-active broker.service", time.Second)
	assert.NoError(t, err)
	assert.Equal(t, types.CommandSuccess, result.Status)
}

func TestRun_FailedStatusReturnsExecutionFailed(t *testing.T) {
	fake := controlplane.NewFakeClient()
	fake.SetHostResult("broker-0", types.CommandResult{Status: types.CommandFailed, Stderr: "service not found", ExitCode: 1})
	ex := New(fake)

	_, err := ex.Run(context.Background(), "broker-0", "systemctl is-active broker.service", time.Second)
	assert.Error(t, err)
}

func TestUpload_SplitsLargePayload(t *testing.T) {
	fake := controlplane.NewFakeClient()
	ex := New(fake)

	data := make([]byte, uploadChunkBytes*2+10)
	for i := range data {
		data[i] = byte(i % 256)
	}

	err := ex.Upload(context.Background(), "worker-0", "/tmp/workload.json", data, time.Second)
	assert.NoError(t, err)
	assert.Len(t, fake.Submitted(), 3)
}

func TestDownload_ReturnsStdout(t *testing.T) {
	fake := controlplane.NewFakeClient()
	fake.SetHostResult("worker-0", types.CommandResult{Status: types.CommandSuccess, Stdout: "result contents\n"})
	ex := New(fake)

	data, err := ex.Download(context.Background(), "worker-0", "/tmp/out.json", time.Second)
	assert.NoError(t, err)
	assert.Equal(t, "result contents", string(data))
}
