//go:build !windows

package gen

import "errors"

func setupInstallations() ([]vsInstallation, error) {
	return nil, errors.New("setup configuration API requires windows")
}
