package permission

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/huh"
	"golang.org/x/sys/unix"
)

// Modes accepted by NewPlatform
const (
	ModePrompt  = "prompt"  // check device nodes, ask on the console
	ModeDevices = "devices" // check device nodes only
	ModeGrant   = "grant"   // always granted
	ModeDeny    = "deny"    // always denied
)

// Static is a platform with a fixed answer.
type Static struct {
	Allow bool
}

func (s Static) Check() bool               { return s.Allow }
func (s Static) ShouldShowRationale() bool { return false }
func (s Static) Request(cb func(bool))     { cb(s.Allow) }

// Prompter asks the user questions on some interactive surface.
type Prompter interface {
	Confirm(title, description string) (bool, error)
	Note(title, description string) error
}

// ConsolePrompter asks on the terminal.
type ConsolePrompter struct{}

// Confirm shows a yes/no question.
func (ConsolePrompter) Confirm(title, description string) (bool, error) {
	var ok bool
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Allow").
			Negative("Deny").
			Value(&ok),
	)).Run()
	return ok, err
}

// Note shows a message until dismissed.
func (ConsolePrompter) Note(title, description string) error {
	return huh.NewForm(huh.NewGroup(
		huh.NewNote().Title(title).Description(description),
	)).Run()
}

// AutoPrompter answers every question with Answer.
type AutoPrompter struct {
	Answer bool
}

func (a AutoPrompter) Confirm(string, string) (bool, error) { return a.Answer, nil }
func (a AutoPrompter) Note(string, string) error            { return nil }

// DeviceNodes grants access when the video device nodes are readable and
// writable by this process and the user consents.
type DeviceNodes struct {
	// Glob matches the device nodes, e.g. "/dev/video*".
	Glob string

	Prompter Prompter

	consent  atomic.Bool
	declined atomic.Bool
}

// NewDeviceNodes creates a device-node platform for glob.
func NewDeviceNodes(glob string, prompter Prompter) *DeviceNodes {
	return &DeviceNodes{Glob: glob, Prompter: prompter}
}

func (d *DeviceNodes) nodes() []string {
	paths, _ := filepath.Glob(d.Glob)
	return paths
}

// inaccessible returns the nodes this process cannot open read/write.
func (d *DeviceNodes) inaccessible() []string {
	var bad []string
	for _, p := range d.nodes() {
		if err := unix.Access(p, unix.R_OK|unix.W_OK); err != nil {
			bad = append(bad, p)
		}
	}
	return bad
}

// Check reports prior consent with all nodes accessible.
func (d *DeviceNodes) Check() bool {
	return d.consent.Load() && len(d.inaccessible()) == 0
}

// ShouldShowRationale is true when nodes exist but are locked down, or the
// user declined before.
func (d *DeviceNodes) ShouldShowRationale() bool {
	return d.declined.Load() || len(d.inaccessible()) > 0
}

// Request checks node access and asks for consent on a goroutine.
func (d *DeviceNodes) Request(cb func(bool)) {
	go func() {
		if bad := d.inaccessible(); len(bad) > 0 {
			cb(false)
			return
		}
		ok, err := d.Prompter.Confirm("Camera access",
			"picturear needs the camera to overlay pictures on the markers it sees.")
		if err != nil {
			ok = false
		}
		d.consent.Store(ok)
		d.declined.Store(!ok)
		cb(ok)
	}()
}

// Rationale explains why camera access is needed. It implements Presenter.
type Rationale struct {
	Prompter Prompter
	Nodes    *DeviceNodes
}

// ShowRationale shows the explanation on a goroutine, then calls done.
func (r Rationale) ShowRationale(done func()) {
	go func() {
		msg := "The viewfinder cannot work without the camera."
		if r.Nodes != nil {
			if bad := r.Nodes.inaccessible(); len(bad) > 0 {
				msg = fmt.Sprintf("%s\n\nNo read/write access to %s. Add your user to the 'video' group and log in again.",
					msg, strings.Join(bad, ", "))
			}
		}
		_ = r.Prompter.Note("Why picturear needs the camera", msg)
		done()
	}()
}

// NewPlatform builds the platform and presenter for a mode.
func NewPlatform(mode, glob string) (Platform, Presenter, error) {
	switch mode {
	case ModeGrant:
		return Static{Allow: true}, nil, nil
	case ModeDeny:
		return Static{Allow: false}, nil, nil
	case ModeDevices:
		nodes := NewDeviceNodes(glob, AutoPrompter{Answer: true})
		return nodes, nil, nil
	case ModePrompt, "":
		nodes := NewDeviceNodes(glob, ConsolePrompter{})
		return nodes, Rationale{Prompter: ConsolePrompter{}, Nodes: nodes}, nil
	default:
		return nil, nil, fmt.Errorf("permission: unknown mode %q", mode)
	}
}
