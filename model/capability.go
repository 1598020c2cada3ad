// Package model provides capability-based endpoint selection for generation requests.
// Instead of hardcoding endpoint names, callers specify a capability (text, structured,
// image) and the registry resolves it to an ordered fallback chain of endpoints.
package model

// Capability represents a semantic capability for endpoint selection.
// Instead of specifying "gpt-4o", callers specify "text" or "structured".
type Capability string

const (
	// CapabilityText is for free-form copy: captions, ad copy, stories.
	CapabilityText Capability = "text"

	// CapabilityStructured is for JSON output conforming to a schema.
	CapabilityStructured Capability = "structured"

	// CapabilityImage is for image generation.
	CapabilityImage Capability = "image"

	// CapabilityFast is for quick, cheap responses.
	CapabilityFast Capability = "fast"
)

// ModalityCapabilities maps request modalities to their default capability.
// Used when a request names no capability and no providers.
var ModalityCapabilities = map[string]Capability{
	"text":            CapabilityText,
	"structured-json": CapabilityStructured,
	"image":           CapabilityImage,
}

// CapabilityForModality returns the default capability for a modality.
// Returns CapabilityText for unknown modalities.
func CapabilityForModality(modality string) Capability {
	if cap, ok := ModalityCapabilities[modality]; ok {
		return cap
	}
	return CapabilityText
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityText, CapabilityStructured, CapabilityImage, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	cap := Capability(s)
	if cap.IsValid() {
		return cap
	}
	return ""
}
