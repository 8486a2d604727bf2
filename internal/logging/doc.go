// Package logging builds the structured slog logger shared by both binaries.
package logging
