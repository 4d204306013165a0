//go:build windows

package gen

import "github.com/heaths/go-vssetup"

// setupInstallations enumerates Visual Studio instances through the setup
// configuration COM API.
func setupInstallations() ([]vsInstallation, error) {
	instances, err := vssetup.Instances(false)
	if err != nil {
		return nil, err
	}

	installs := make([]vsInstallation, 0, len(instances))
	for _, instance := range instances {
		path, err := instance.InstallationPath()
		if err != nil {
			continue
		}
		version, _ := instance.InstallationVersion()
		installs = append(installs, vsInstallation{Path: path, Version: version})
	}
	return installs, nil
}
