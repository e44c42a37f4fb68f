// Package baseline loads the set of files already present in a base
// container image, so Execute's pre-filter can tell a traced file that
// merely came from the base image apart from one the program actually
// needed copied in.
//
// Grounded on the original tool's default_image_files.h.
package baseline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Delim matches langpkg.Delim: U+00A0, chosen so it can't collide with a
// path, username, or hash token.
const Delim = " "

// File describes one file found in a base image.
type File struct {
	Path        string
	User, Group string
	Size        int64
	Permissions uint32
	SHA1        string
}

// Files is a flat baseline set, looked up only by exact path.
type Files struct {
	byPath map[string]File
	all    []File
}

// Lookup returns the baseline entry for path, if the base image has one.
func (f *Files) Lookup(path string) (File, bool) {
	file, ok := f.byPath[path]
	return file, ok
}

// All returns every baseline file, sorted by path.
func (f *Files) All() []File {
	return f.all
}

// Len returns the number of files in the baseline set.
func (f *Files) Len() int { return len(f.all) }

// FromReader parses a Delim-separated stream of path/user/group/size/
// permissions/sha1 rows, skipping and warning on malformed rows or rows
// carrying the "error" sentinel emitted when stat/sha1sum themselves
// failed against a file that vanished mid-scan.
func FromReader(r io.Reader, logger *log.Logger) (*Files, error) {
	if logger == nil {
		logger = log.Default()
	}

	var files []File
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		tokens := strings.Split(line, Delim)
		if len(tokens) < 6 {
			logger.Printf("baseline: failed to parse line: %q", line)
			continue
		}
		path, user, group := tokens[0], tokens[1], tokens[2]
		sizeStr, permStr, sha1 := tokens[3], tokens[4], tokens[5]

		if sizeStr == "error" || sha1 == "error" {
			logger.Printf("baseline: failed to stat file: %s", path)
			continue
		}

		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			logger.Printf("baseline: failed to parse size for %s: %v", path, err)
			continue
		}
		perm, err := strconv.ParseUint(permStr, 8, 32)
		if err != nil {
			logger.Printf("baseline: failed to parse permissions for %s: %v", path, err)
			continue
		}

		files = append(files, File{
			Path:        path,
			User:        user,
			Group:       group,
			Size:        size,
			Permissions: uint32(perm),
			SHA1:        sha1,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	return newFiles(files), nil
}

func newFiles(files []File) *Files {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	byPath := make(map[string]File, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}
	return &Files{byPath: byPath, all: files}
}

// ImageRunner executes a shell script inside a named container image and
// returns its stdout. Implementations wrap a specific container runtime
// (e.g. `docker run --rm <image> sh -c <script>`); this package only
// depends on the interface so it never needs to know which one.
type ImageRunner interface {
	RunScript(ctx context.Context, image, script string) ([]byte, error)
}

// scanScriptTemplate is the pipeline the original shells out to: enumerate every
// regular file and symlink outside the blacklist, then stat and hash each
// one, substituting the literal string "error" for any step that fails
// (a file can legitimately vanish between find and stat).
const scanScriptTemplate = `find / \( -type f -or -type l \) 2>/dev/null | grep -vE %[2]q | while IFS= read -r file; do
  stat="$(stat -c "%%U%[1]s%%G%[1]s%%s%[1]s%%a" "$file" 2>/dev/null || echo "error%[1]serror%[1]serror%[1]serror")"
  sha1="$((sha1sum "$file" 2>/dev/null | cut -d ' ' -f1) || echo error)"
  echo "$file%[1]s${stat}%[1]s${sha1}"
done`

// FromImage drives runner to enumerate and hash every file in image
// outside blacklist, and parses the result with FromReader.
func FromImage(ctx context.Context, runner ImageRunner, image string, blacklist []string, logger *log.Logger) (*Files, error) {
	pattern := strings.Join(blacklist, "|")
	if pattern == "" {
		pattern = "^$"
	}
	script := fmt.Sprintf(scanScriptTemplate, Delim, pattern)

	out, err := runner.RunScript(ctx, image, script)
	if err != nil {
		return nil, xerrors.Errorf("scanning base image %s: %w", image, err)
	}
	return FromReader(strings.NewReader(string(out)), logger)
}
