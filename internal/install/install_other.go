//go:build !windows

package install

import "os/exec"

// candidates are tried in order on $PATH.
var candidates = []string{"skype", "skypeforlinux"}

func path() (string, error) {
	for _, name := range candidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", ErrNotInstalled
}
