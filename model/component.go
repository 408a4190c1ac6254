// Package model - Components and component versions observed in SBOMs.
package model

import (
	"errors"
	"strings"

	"github.com/ortelius/pdvd-vulncorr/util"
	"github.com/package-url/packageurl-go"
)

// ComponentType classifies a component
type ComponentType string

// Component types
const (
	ComponentLibrary              ComponentType = "library"
	ComponentApplication          ComponentType = "application"
	ComponentFramework            ComponentType = "framework"
	ComponentOperatingSystem      ComponentType = "operating-system"
	ComponentPackageManager       ComponentType = "package-manager"
	ComponentContainer            ComponentType = "container"
	ComponentFirmware             ComponentType = "firmware"
	ComponentCryptographyLibrary  ComponentType = "cryptography-library"
	ComponentService              ComponentType = "service"
	ComponentDatabase             ComponentType = "database"
	ComponentCompression          ComponentType = "compression"
	ComponentOperatingEnvironment ComponentType = "operating-environment"
	ComponentMiddleware           ComponentType = "middleware"
	ComponentProgrammingLanguage  ComponentType = "programming-language"
	ComponentUnknown              ComponentType = "unknown"
)

var componentTypeAliases = map[string]ComponentType{
	"lib": ComponentLibrary,
	"app": ComponentApplication,
	"os":  ComponentOperatingSystem,
}

// ParseComponentType maps a type name or alias onto a ComponentType.
// An empty value defaults to library.
func ParseComponentType(s string) ComponentType {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ComponentLibrary
	}
	if t, ok := componentTypeAliases[s]; ok {
		return t
	}
	switch t := ComponentType(s); t {
	case ComponentLibrary, ComponentApplication, ComponentFramework, ComponentOperatingSystem,
		ComponentPackageManager, ComponentContainer, ComponentFirmware, ComponentCryptographyLibrary,
		ComponentService, ComponentDatabase, ComponentCompression, ComponentOperatingEnvironment,
		ComponentMiddleware, ComponentProgrammingLanguage:
		return t
	}
	return ComponentUnknown
}

// Component is a named package. Uniqueness is (type, manager, namespace, name).
type Component struct {
	Key       string        `json:"_key,omitempty"`
	Type      ComponentType `json:"type"`
	Manager   string        `json:"manager"`
	Namespace string        `json:"namespace,omitempty"`
	Name      string        `json:"name"`
	ObjType   string        `json:"objtype,omitempty"`
}

// NewComponent creates a component with defaults
func NewComponent() *Component {
	return &Component{
		ObjType: "Component",
		Type:    ComponentLibrary,
		Manager: "generic",
	}
}

// NaturalKey is the logical identity of the component
func (c Component) NaturalKey() string {
	return strings.Join([]string{string(c.Type), c.Manager, c.Namespace, c.Name}, "|")
}

// PackageName is the package name as vulnerability feeds spell it for the component's ecosystem
func (c Component) PackageName() string {
	return PackageName(c.Manager, c.Namespace, c.Name)
}

// PURL renders the base package URL of the component
func (c Component) PURL() string {
	return packageurl.NewPackageURL(c.Manager, c.Namespace, c.Name, "", nil, "").ToString()
}

// PackageName joins namespace and name the way each ecosystem's advisories do.
// Distro namespaces (apk, deb, rpm) are not part of the package name.
func PackageName(manager, namespace, name string) string {
	if namespace == "" {
		return name
	}
	switch manager {
	case "npm", "golang", "composer", "swift":
		return namespace + "/" + name
	case "maven":
		return namespace + ":" + name
	default:
		return name
	}
}

// ComponentVersion is a specific version of a component
type ComponentVersion struct {
	Key         string `json:"_key,omitempty"`
	ComponentID string `json:"component_id"`
	Version     string `json:"version"`
	ObjType     string `json:"objtype,omitempty"`
}

// NewComponentVersion creates a component version
func NewComponentVersion(componentID, version string) *ComponentVersion {
	return &ComponentVersion{
		ObjType:     "ComponentVersion",
		ComponentID: componentID,
		Version:     version,
	}
}

// ErrInvalidComponent reports an observed component that cannot identify a package
var ErrInvalidComponent = errors.New("invalid component")

// ObservedComponent is one normalized SBOM entry handed to snapshot ingestion
type ObservedComponent struct {
	Ecosystem string `json:"ecosystem"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	Version   string `json:"version"`
	Type      string `json:"type,omitempty"`
	Purl      string `json:"purl,omitempty"`
}

// Normalize resolves the PURL (when present) and maps the ecosystem onto a PURL type
func (o ObservedComponent) Normalize() (ObservedComponent, error) {
	if o.Purl != "" {
		parsed, err := util.ParsePURL(o.Purl)
		if err != nil {
			return o, errors.Join(ErrInvalidComponent, err)
		}
		o.Ecosystem = parsed.Type
		o.Namespace = parsed.Namespace
		o.Name = parsed.Name
		if parsed.Version != "" {
			o.Version = parsed.Version
		}
	}

	o.Name = strings.TrimSpace(o.Name)
	o.Version = strings.TrimSpace(o.Version)
	if o.Name == "" {
		return o, errors.Join(ErrInvalidComponent, errors.New("component name is empty"))
	}

	o.Ecosystem = util.EcosystemToPurlType(strings.TrimSpace(o.Ecosystem))
	if o.Ecosystem == "" {
		o.Ecosystem = "generic"
	}
	return o, nil
}

// Component builds the component identity of the observation
func (o ObservedComponent) Component() Component {
	c := NewComponent()
	c.Type = ParseComponentType(o.Type)
	c.Manager = o.Ecosystem
	c.Namespace = o.Namespace
	c.Name = o.Name
	return *c
}
