package provisioner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinary writes a shell script to a temp dir that echoes body to
// stdout and exits with code, then returns its path. Skipped on
// non-Unix since it shells out via #!/bin/sh.
func fakeBinary(t *testing.T, body string, code int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("subprocess script fixture requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "provisioner.sh")
	script := "#!/bin/sh\n" + body + "\nexit " + strconv.Itoa(code) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestApply_ParsesSuccessOutput(t *testing.T) {
	bin := fakeBinary(t, `echo "provisioning..." >&2
echo '{"ok":true,"outputs":{"broker":[{"id":"i-1","private_ip":"10.0.0.5"}]}}'`, 0)
	p := New(bin, zerolog.Nop())

	out, err := p.Apply(context.Background(), "vars.json")
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, "10.0.0.5", out.Outputs["broker"][0].PrivateIP)
}

func TestApply_NonZeroExitReturnsProvisionerFailed(t *testing.T) {
	bin := fakeBinary(t, `echo '{"ok":false,"message":"quota exceeded"}'`, 1)
	p := New(bin, zerolog.Nop())

	_, err := p.Apply(context.Background(), "vars.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ProvisionerFailed")
}

func TestApply_NoOutputIsProvisionerFailed(t *testing.T) {
	bin := fakeBinary(t, `echo "nothing but noise" >&2`, 0)
	p := New(bin, zerolog.Nop())

	_, err := p.Apply(context.Background(), "vars.json")
	require.Error(t, err)
}

func TestApply_ContextCancelKillsSubprocess(t *testing.T) {
	bin := fakeBinary(t, `sleep 5`, 0)
	p := New(bin, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Apply(ctx, "vars.json")
	require.Error(t, err)
}
