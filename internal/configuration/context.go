package configuration

import "context"

const (
	configurationFilePathContextKeyConstant = contextKey("configurationFilePath")
)

type contextKey string

// ContextAccessor stores and retrieves configuration details carried by command contexts.
type ContextAccessor struct{}

// NewContextAccessor constructs a ContextAccessor.
func NewContextAccessor() ContextAccessor {
	return ContextAccessor{}
}

// WithConfigurationFilePath attaches the resolved configuration file path to the context.
func (accessor ContextAccessor) WithConfigurationFilePath(parentContext context.Context, configurationFilePath string) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	return context.WithValue(parentContext, configurationFilePathContextKeyConstant, configurationFilePath)
}

// ConfigurationFilePath extracts the configuration file path from the context.
func (accessor ContextAccessor) ConfigurationFilePath(executionContext context.Context) (string, bool) {
	if executionContext == nil {
		return "", false
	}
	configurationFilePath, available := executionContext.Value(configurationFilePathContextKeyConstant).(string)
	return configurationFilePath, available
}
