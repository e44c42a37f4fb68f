package r4r

import (
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"github.com/r-tooling/r4r/internal/kvfile"
	"github.com/r-tooling/r4r/internal/manifest"
)

// defaultTimezone is used when no timezone source is available.
const defaultTimezone = "UTC"

// environment is what captureEnvironment gathers before tracing begins;
// it becomes the non-file portion of the final Manifest.
//
// Grounded on the original tool's Environment struct and
// CaptureEnvironmentTask in tracer.h.
type environment struct {
	cwd          string
	vars         map[string]string
	user         manifest.User
	timezone     string
	distribution string
}

func captureEnvironment(opts *Options) (*environment, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	u, err := currentUser()
	if err != nil {
		return nil, err
	}

	env := &environment{
		cwd:          cwd,
		vars:         currentEnvVars(),
		user:         u,
		timezone:     systemTimezone(opts),
		distribution: systemDistribution(),
	}
	return env, nil
}

func currentUser() (manifest.User, error) {
	u, err := user.Current()
	if err != nil {
		return manifest.User{}, err
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	group, err := user.LookupGroupId(u.Gid)
	groupName := u.Gid
	if err == nil {
		groupName = group.Name
	}
	return manifest.User{
		UID:     uid,
		GID:     gid,
		Name:    u.Username,
		Group:   groupName,
		HomeDir: u.HomeDir,
		Shell:   os.Getenv("SHELL"),
	}, nil
}

func currentEnvVars() map[string]string {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			vars[kv[:idx]] = kv[idx+1:]
		}
	}
	return vars
}

// systemTimezone tries, in order: $TZ, /etc/timezone, `timedatectl show`.
func systemTimezone(opts *Options) string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}

	if b, err := os.ReadFile("/etc/timezone"); err == nil {
		if tz := strings.TrimSpace(strings.SplitN(string(b), "\n", 2)[0]); tz != "" {
			return tz
		}
	}

	out, err := exec.Command("timedatectl", "show", "--property=Timezone", "--value").Output()
	if err == nil {
		if tz := strings.TrimSpace(string(out)); tz != "" {
			return tz
		}
	}

	opts.logger().Printf("r4r: failed to determine system timezone, using %s", defaultTimezone)
	return defaultTimezone
}

// systemDistribution reads /etc/os-release's PRETTY_NAME, falling back to
// ID + VERSION_ID, or "unknown".
func systemDistribution() string {
	f, ok, err := kvfile.Open("/etc/os-release")
	if err != nil || !ok {
		return "unknown"
	}
	if pretty, ok := f.Get("PRETTY_NAME"); ok {
		return pretty
	}
	id := f.GetOr("ID", "unknown")
	version := f.GetOr("VERSION_ID", "")
	if version == "" {
		return id
	}
	return id + " " + version
}
