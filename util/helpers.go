// Package util provides utility functions for working with Package URLs (PURLs),
// ecosystem names, store keys and severity scores.
//
//revive:disable-next-line:var-naming
package util

import (
	"os"
	"strings"

	"github.com/package-url/packageurl-go"
)

// GetEnvDefault is a convenience function for handling env vars
func GetEnvDefault(key, defVal string) string {
	val, ex := os.LookupEnv(key) // get the env var
	if !ex {                     // not found return default
		return defVal
	}
	return val // return value for env var
}

// IsEmpty checks if a string is empty or contains only whitespace
func IsEmpty(s string) bool {
	return len(strings.TrimSpace(s)) == 0
}

// Contains checks if a string slice contains an item
func Contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// GetStringOrDefault returns value unless it is empty
func GetStringOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

// SanitizeKey ensures the database key is valid for ArangoDB
// ArangoDB keys cannot contain spaces, slashes, or brackets
func SanitizeKey(key string) string {
	key = strings.TrimSpace(key)

	replacer := strings.NewReplacer(
		" ", "-",
		"/", "-",
		"[", "",
		"]", "",
		"(", "",
		")", "",
		"@", "_",
		"?", "_",
		"&", "_",
		"#", "_",
		"~", "_",
	)

	return replacer.Replace(key)
}

// CleanPURL removes qualifiers (after ?) but preserves the subpath (after #)
// to maintain module identity (e.g. #v2)
func CleanPURL(purlStr string) (string, error) {
	parsed, err := packageurl.FromString(purlStr)
	if err != nil {
		return "", err
	}

	cleaned := packageurl.PackageURL{
		Type:      parsed.Type,
		Namespace: parsed.Namespace,
		Name:      parsed.Name,
		Version:   parsed.Version,
		Subpath:   parsed.Subpath,
	}

	return strings.ToLower(cleaned.ToString()), nil
}

// GetBasePURL removes the version component from a PURL to create a base package identifier.
// Example: pkg:apk/wolfi/glibc@2.42-r4 -> pkg:apk/wolfi/glibc
func GetBasePURL(purlStr string) (string, error) {
	parsed, err := packageurl.FromString(purlStr)
	if err != nil {
		return "", err
	}

	base := packageurl.PackageURL{
		Type:      EcosystemToPurlType(parsed.Type),
		Namespace: parsed.Namespace,
		Name:      parsed.Name,
	}

	return strings.ToLower(base.ToString()), nil
}

var ecosystemPurlTypes = map[string]string{
	"npm":        "npm",
	"PyPI":       "pypi",
	"Maven":      "maven",
	"Go":         "golang",
	"NuGet":      "nuget",
	"RubyGems":   "gem",
	"crates.io":  "cargo",
	"Packagist":  "composer",
	"Pub":        "pub",
	"CocoaPods":  "cocoapods",
	"Hex":        "hex",
	"SwiftURL":   "swift",
	"Alpine":     "apk",
	"Wolfi":      "apk", // Wolfi and Chainguard packages are apk
	"Chainguard": "apk",
	"Debian":     "deb",
	"Ubuntu":     "deb",
	"Red Hat":    "rpm",
	"AlmaLinux":  "rpm",
	"Rocky":      "rpm",
}

// EcosystemToPurlType converts an ecosystem name (OSV, SBOM tooling) to a PURL type
func EcosystemToPurlType(ecosystem string) string {
	// OSV distro ecosystems carry a release suffix, e.g. "Alpine:v3.18"
	if idx := strings.Index(ecosystem, ":"); idx > 0 {
		ecosystem = ecosystem[:idx]
	}

	if purlType, exists := ecosystemPurlTypes[ecosystem]; exists {
		return purlType
	}

	for key, value := range ecosystemPurlTypes {
		if strings.EqualFold(key, ecosystem) {
			return value
		}
	}

	return strings.ToLower(ecosystem)
}

// ParsePURL parses a PURL string and returns the parsed PackageURL
func ParsePURL(purlStr string) (*packageurl.PackageURL, error) {
	parsed, err := packageurl.FromString(purlStr)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// SplitPackageName splits a feed package name into PURL namespace and name for the given type
func SplitPackageName(purlType, packageName string) (namespace, name string) {
	switch purlType {
	case "maven":
		if idx := strings.LastIndex(packageName, ":"); idx > 0 {
			return packageName[:idx], packageName[idx+1:]
		}
	case "npm", "golang", "composer", "swift":
		if idx := strings.LastIndex(packageName, "/"); idx > 0 {
			return packageName[:idx], packageName[idx+1:]
		}
	}
	return "", packageName
}
