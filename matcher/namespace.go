package matcher

import (
	"strings"
)

var languageEcosystems = map[string]string{
	"javascript": "npm",
	"python":     "pypi",
	"go":         "golang",
	"java":       "maven",
	"ruby":       "gem",
	"rust":       "cargo",
	"php":        "composer",
	"dotnet":     "nuget",
	"dart":       "pub",
	"swift":      "swift",
}

var distroEcosystems = map[string]string{
	"alpine":     "apk",
	"wolfi":      "apk",
	"chainguard": "apk",
	"debian":     "deb",
	"ubuntu":     "deb",
	"redhat":     "rpm",
	"rhel":       "rpm",
	"centos":     "rpm",
	"amazon":     "rpm",
	"oracle":     "rpm",
	"ol":         "rpm",
	"sles":       "rpm",
	"mariner":    "rpm",
	"azurelinux": "rpm",
}

// GenericEcosystem is the ecosystem of components without a package manager.
// CPE scoped records only match these.
const GenericEcosystem = "generic"

// EcosystemForNamespace maps a feed namespace onto the PURL type of the
// components it describes.
//
//	github:language:javascript -> npm
//	debian:distro:debian:12    -> deb
//	osv:pypi                   -> pypi
//	nvd:cpe                    -> generic
//	npm                        -> npm
func EcosystemForNamespace(namespace string) string {
	ns := strings.ToLower(strings.TrimSpace(namespace))
	parts := strings.Split(ns, ":")

	switch {
	case len(parts) >= 3 && parts[1] == "language":
		if eco, ok := languageEcosystems[parts[2]]; ok {
			return eco
		}
		return parts[2]
	case len(parts) >= 2 && parts[1] == "distro":
		if eco, ok := distroEcosystems[parts[0]]; ok {
			return eco
		}
		if len(parts) >= 3 {
			if eco, ok := distroEcosystems[parts[2]]; ok {
				return eco
			}
		}
		return parts[0]
	case len(parts) == 2 && parts[0] == "osv":
		return parts[1]
	case len(parts) >= 2 && parts[1] == "cpe":
		return GenericEcosystem
	default:
		return ns
	}
}
