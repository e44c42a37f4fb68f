package baseline

import (
	"bytes"
	"context"
	"os/exec"

	"golang.org/x/xerrors"
)

// DockerRunner is the default ImageRunner: it shells out to `docker run
// --rm <image> sh -c <script>`. Any other container runtime can be used
// instead by implementing ImageRunner directly.
type DockerRunner struct {
	// Bin is the docker binary to invoke; defaults to "docker".
	Bin string
}

func (r DockerRunner) bin() string {
	if r.Bin == "" {
		return "docker"
	}
	return r.Bin
}

func (r DockerRunner) RunScript(ctx context.Context, image, script string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.bin(), "run", "--rm", image, "sh", "-c", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, xerrors.Errorf("docker run %s: %w (stderr: %s)", image, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
