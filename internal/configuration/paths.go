package configuration

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	tildeSymbolConstant             = "~"
	tildeForwardSlashPrefixConstant = "~/"
)

var tildeWithPathSeparatorPrefix = tildeSymbolConstant + string(os.PathSeparator)

// HomeDirectoryProvider resolves the current user's home directory path.
type HomeDirectoryProvider func() (string, error)

// PathExpander normalizes configured file paths: it trims whitespace and resolves a leading tilde.
type PathExpander struct {
	homeDirectoryProvider HomeDirectoryProvider
	homeDirectory         string
	homeDirectoryError    error
	initializationGuard   sync.Once
}

// NewPathExpander constructs a PathExpander using the operating system home lookup.
func NewPathExpander() *PathExpander {
	return NewPathExpanderWithProvider(os.UserHomeDir)
}

// NewPathExpanderWithProvider constructs a PathExpander with a custom home provider.
func NewPathExpanderWithProvider(provider HomeDirectoryProvider) *PathExpander {
	if provider == nil {
		provider = os.UserHomeDir
	}
	return &PathExpander{homeDirectoryProvider: provider}
}

// Expand trims the path and resolves "~" and "~/..." to the user's home directory.
// Paths that cannot be expanded are returned trimmed but otherwise unchanged.
func (expander *PathExpander) Expand(candidatePath string) string {
	trimmedPath := strings.TrimSpace(candidatePath)
	if expander == nil || !strings.HasPrefix(trimmedPath, tildeSymbolConstant) {
		return trimmedPath
	}

	homeDirectory := expander.resolveHomeDirectory()
	if len(homeDirectory) == 0 {
		return trimmedPath
	}

	switch {
	case trimmedPath == tildeSymbolConstant:
		return homeDirectory
	case strings.HasPrefix(trimmedPath, tildeForwardSlashPrefixConstant):
		return filepath.Join(homeDirectory, strings.TrimPrefix(trimmedPath, tildeForwardSlashPrefixConstant))
	case strings.HasPrefix(trimmedPath, tildeWithPathSeparatorPrefix):
		return filepath.Join(homeDirectory, strings.TrimPrefix(trimmedPath, tildeWithPathSeparatorPrefix))
	default:
		return trimmedPath
	}
}

func (expander *PathExpander) resolveHomeDirectory() string {
	expander.initializationGuard.Do(func() {
		expander.homeDirectory, expander.homeDirectoryError = expander.homeDirectoryProvider()
	})
	if expander.homeDirectoryError != nil {
		return ""
	}
	return expander.homeDirectory
}
