// Package install locates the Skype client installed on this machine.
package install

import "errors"

// ErrNotInstalled is returned when no Skype installation was found.
var ErrNotInstalled = errors.New("skype is not installed")

// Path returns the path of the Skype executable.
func Path() (string, error) { return path() }
