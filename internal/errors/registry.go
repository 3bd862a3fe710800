package errors

import "sort"

// Template defines a registered error type.
type Template struct {
	Category   Category
	Message    string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]Template{
	// Configuration (D100-D199)
	"D100": {
		Category:   CategoryConfig,
		Message:    "Configuration file not found",
		Suggestion: "Run 'deltacast config init' to write a default file, or pass --config",
	},
	"D101": {
		Category:   CategoryConfig,
		Message:    "Configuration file is not valid YAML",
		Suggestion: "Check indentation and quoting around the reported line",
	},
	"D102": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
	},
	"D103": {
		Category: CategoryConfig,
		Message:  "Cannot watch configuration file",
	},

	// Command line (D200-D299)
	"D200": {
		Category:   CategoryCLI,
		Message:    "Invalid flag value",
		Suggestion: "Run the command with --help to see accepted values",
	},

	// Capture (D300-D399)
	"D300": {
		Category:   CategoryCapture,
		Message:    "Capture source unavailable",
		Suggestion: "Check that a display is attached and the process may capture it",
	},

	// Transport (D400-D499)
	"D400": {
		Category:   CategoryTransport,
		Message:    "Cannot listen on address",
		Suggestion: "Pick a free UDP port with --listen",
	},
	"D401": {
		Category:   CategoryTransport,
		Message:    "Cannot connect to sender",
		Suggestion: "Check the sender address and that UDP traffic is allowed",
	},
	"D402": {
		Category: CategoryTransport,
		Message:  "Sender rejected the connection",
	},
	"D403": {
		Category:   CategoryTransport,
		Message:    "Cannot start admin server",
		Suggestion: "Pick a free TCP port with --admin",
	},

	// Snapshots (D500-D599)
	"D500": {
		Category:   CategorySnapshot,
		Message:    "Snapshot store unavailable",
		Suggestion: "Check the snapshot directory permissions or the S3 bucket settings",
	},
}

// Codes returns every registered code in order.
func Codes() []string {
	codes := make([]string, 0, len(registry))
	for c := range registry {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Lookup returns the template registered for code.
func Lookup(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}
