//go:build windows

package install

import (
	"errors"

	"golang.org/x/sys/windows/registry"
)

const (
	phoneKey  = `Software\Skype\Phone`
	pathValue = "SkypePath"
)

// path reads SkypePath from the per-user key first, then the machine key.
func path() (string, error) {
	for _, root := range []registry.Key{registry.CURRENT_USER, registry.LOCAL_MACHINE} {
		k, err := registry.OpenKey(root, phoneKey, registry.QUERY_VALUE)
		if err != nil {
			continue
		}
		v, _, err := k.GetStringValue(pathValue)
		k.Close()
		if err == nil && v != "" {
			return v, nil
		}
		if err != nil && !errors.Is(err, registry.ErrNotExist) {
			return "", err
		}
	}
	return "", ErrNotInstalled
}
