package playback

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// ErrNoPlayer is returned by Detect when no playback program is installed
var ErrNoPlayer = errors.New("no audio player available")

// Player program names
const (
	PlayerFFplay = "ffplay"
	PlayerAfplay = "afplay"
	PlayerMPG123 = "mpg123"
	PlayerAplay  = "aplay"
	PlayerCustom = "custom"
)

// Player is a resolved external playback program
type Player struct {
	Name string
	Path string

	// Device is the ALSA device passed to aplay
	Device string

	// Transcoder is an ffmpeg binary aplay output is decoded through,
	// so aplay can render compressed audio
	Transcoder string

	// Command is the shell command of a custom player. It reads audio from
	// stdin, or from the file named by $1 when playing a spooled file.
	Command string
}

// IsMPEG reports whether a content type names MPEG audio
func IsMPEG(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "mpeg")
}

// Extension returns the spool file extension for a content type
func Extension(contentType string) string {
	if IsMPEG(contentType) {
		return ".mp3"
	}
	return ".wav"
}

// Supports reports whether the player can render the content type at all
func (p Player) Supports(contentType string) bool {
	switch p.Name {
	case PlayerMPG123:
		return IsMPEG(contentType)
	case PlayerAplay:
		return p.Transcoder != "" || !IsMPEG(contentType)
	default:
		return true
	}
}

// CanStream reports whether the player accepts the content type on stdin
func (p Player) CanStream(contentType string) bool {
	if !p.Supports(contentType) {
		return false
	}
	return p.Name != PlayerAfplay
}

// StreamCommand builds the argument vector for playback from stdin
func (p Player) StreamCommand() (string, []string) {
	switch p.Name {
	case PlayerFFplay:
		return p.Path, []string{"-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "-"}
	case PlayerMPG123:
		return p.Path, []string{"-q", "-"}
	case PlayerAplay:
		return p.Path, p.aplayArgs("-")
	case PlayerCustom:
		return p.Path, []string{"-c", p.Command}
	default:
		return p.Path, nil
	}
}

// FileCommand builds the argument vector for playing a spooled file
func (p Player) FileCommand(path string) (string, []string) {
	switch p.Name {
	case PlayerFFplay:
		return p.Path, []string{"-nodisp", "-autoexit", "-loglevel", "quiet", path}
	case PlayerMPG123:
		return p.Path, []string{"-q", path}
	case PlayerAplay:
		if p.Transcoder != "" {
			return p.Path, p.aplayArgs("-")
		}
		return p.Path, p.aplayArgs(path)
	case PlayerCustom:
		return p.Path, []string{"-c", p.Command, PlayerCustom, path}
	default:
		return p.Path, []string{path}
	}
}

// TranscodeCommand builds the ffmpeg stage feeding aplay, reading input
// ("-" for stdin) and writing WAV to stdout
func (p Player) TranscodeCommand(input string) (string, []string) {
	return p.Transcoder, []string{"-loglevel", "error", "-i", input, "-f", "wav", "-"}
}

func (p Player) aplayArgs(input string) []string {
	args := []string{"-q"}
	if p.Device != "" {
		args = append(args, "-D", p.Device)
	}
	if input != "-" {
		args = append(args, input)
	}
	return args
}

func (p Player) String() string {
	if p.Transcoder != "" {
		return "ffmpeg|" + p.Name
	}
	return p.Name
}

// DetectOptions selects which players Detect looks for
type DetectOptions struct {
	// Preferred restricts detection to one player name; empty means auto
	Preferred string

	// Command overrides detection with a custom shell player
	Command string

	// PiMode prefers ALSA output through aplay on Raspberry Pi boards
	PiMode     bool
	ALSADevice string

	// GOOS defaults to runtime.GOOS
	GOOS string

	// LookPath resolves program names; defaults to exec.LookPath
	LookPath func(string) (string, error)
}

// Detect returns the installed players in preference order. The first
// player that supports a content type is the one used for it.
func Detect(opts DetectOptions) ([]Player, error) {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	goos := opts.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}

	if strings.TrimSpace(opts.Command) != "" {
		sh, err := lookPath("sh")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoPlayer, err)
		}
		return []Player{{Name: PlayerCustom, Path: sh, Command: opts.Command}}, nil
	}

	var names []string
	switch {
	case opts.Preferred != "" && opts.Preferred != "auto":
		names = []string{opts.Preferred}
	case opts.PiMode:
		names = []string{PlayerAplay, PlayerMPG123, PlayerFFplay}
	case goos == "darwin":
		names = []string{PlayerFFplay, PlayerAfplay, PlayerMPG123}
	default:
		names = []string{PlayerFFplay, PlayerMPG123, PlayerAplay}
	}

	var players []Player
	for _, name := range names {
		switch name {
		case PlayerFFplay, PlayerAfplay, PlayerMPG123, PlayerAplay:
		default:
			return nil, fmt.Errorf("unknown player: %q", name)
		}

		path, err := lookPath(name)
		if err != nil {
			continue
		}
		p := Player{Name: name, Path: path}
		if name == PlayerAplay {
			p.Device = opts.ALSADevice
			if opts.PiMode {
				if ff, err := lookPath("ffmpeg"); err == nil {
					p.Transcoder = ff
				}
			}
		}
		players = append(players, p)
	}

	if len(players) == 0 {
		return nil, fmt.Errorf("%w: tried %v", ErrNoPlayer, names)
	}
	return players, nil
}
