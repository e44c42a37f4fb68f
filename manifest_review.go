package r4r

import (
	"os"
	"os/exec"

	"github.com/r-tooling/r4r/internal/manifest"
)

// reviewManifest writes m's rendered manifest to a temp file, opens it in
// $VISUAL (falling back to $EDITOR), and, if the user actually changed it,
// re-parses it on close and reads back its copy section only. If no editor is configured, or the manifest
// has no unresolved files, it is a no-op.
//
// Grounded on the original tool's ManifestTask::edit_manifest.
func reviewManifest(m *manifest.Manifest) error {
	if len(m.CopyFiles) == 0 {
		return nil
	}

	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		return nil
	}

	f, err := os.CreateTemp("", "r4r-manifest-*.conf")
	if err != nil {
		return err
	}
	path := f.Name()
	defer os.Remove(path)

	format, err := m.ToFormat()
	if err != nil {
		f.Close()
		return err
	}
	format.Preamble = "This is the manifest file generated by r4r.\n" +
		"You can update its content by adding, removing, or commenting out\n" +
		"lines in the \"copy\" section below."
	if err := format.Write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	before, err := os.Stat(path)
	if err != nil {
		return err
	}

	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil
	}

	after, err := os.Stat(path)
	if err != nil || after.ModTime().Equal(before.ModTime()) {
		return nil
	}

	f, err = os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reparsed, err := manifest.ParseFormat(f)
	if err != nil {
		return err
	}
	if s := reparsed.Section("copy"); s != nil {
		m.CopyFiles = manifest.ParseCopySection(s.Content, nil)
	}
	return nil
}
