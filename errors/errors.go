package errors

import (
	"fmt"
	"strings"
)

// ErrorType classifies every failure the plugin subsystem can produce.
type ErrorType string

const (
	// Path and configuration errors
	ErrorTypePathEscape      ErrorType = "path_escape"
	ErrorTypeConfigCorrupted ErrorType = "config_corrupted"

	// Marketplace resolution errors
	ErrorTypeInvalidIndexSchema    ErrorType = "invalid_index_schema"
	ErrorTypeNotFoundInMarketplace ErrorType = "not_found_in_marketplace"
	ErrorTypeVersionNotFound       ErrorType = "version_not_found"

	// Policy errors
	ErrorTypePermissionDenied ErrorType = "permission_denied"

	// Pipeline errors
	ErrorTypeDownloadFailed          ErrorType = "download_failed"
	ErrorTypeChecksumMismatch        ErrorType = "checksum_mismatch"
	ErrorTypeUnsafeArchiveEntry      ErrorType = "unsafe_archive_entry"
	ErrorTypeDependencyInstallFailed ErrorType = "dependency_install_failed"
	ErrorTypeEntryNotFound           ErrorType = "entry_not_found"

	// Lifecycle precondition errors
	ErrorTypeVersionNotInstalled ErrorType = "version_not_installed"
	ErrorTypeAlreadyOnVersion    ErrorType = "already_on_version"

	// Generic errors
	ErrorTypeNotFound ErrorType = "not_found"
	ErrorTypeInvalid  ErrorType = "invalid"
	ErrorTypeInternal ErrorType = "internal"
)

// AppError is a structured error carrying a type, a stable code and
// diagnostic details. Every operation in the subsystem returns either a
// fully-populated result or exactly one AppError.
type AppError struct {
	Type       ErrorType      `json:"type"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	InnerError error          `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.InnerError != nil {
		return e.InnerError.Error()
	}
	return string(e.Type)
}

// Unwrap returns the inner error.
func (e *AppError) Unwrap() error {
	return e.InnerError
}

// Is matches AppErrors by type, so callers can use errors.Is with a
// bare typed sentinel such as New(ErrorTypeChecksumMismatch, "").
func (e *AppError) Is(target error) bool {
	if targetApp, ok := target.(*AppError); ok {
		return e.Type == targetApp.Type
	}
	return false
}

// WithDetail adds a single diagnostic detail.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithDetails adds multiple diagnostic details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithInnerError attaches the underlying cause.
func (e *AppError) WithInnerError(err error) *AppError {
	e.InnerError = err
	return e
}

// New creates a new AppError with the code derived from the type.
func New(errType ErrorType, message string) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Code:    strings.ToUpper(string(errType)),
	}
}

// FromError converts a standard error to an AppError.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       strings.ToUpper(string(ErrorTypeInternal)),
		Message:    err.Error(),
		InnerError: err,
	}
}

// WrapWithType wraps an error with a specific type and message.
func WrapWithType(err error, errType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       strings.ToUpper(string(errType)),
		Message:    message,
		InnerError: err,
	}
}

// IsType reports whether err is an AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == errType
}

// NewPathEscape reports a resolved path escaping the data directory.
func NewPathEscape(path, root string) *AppError {
	return New(ErrorTypePathEscape, fmt.Sprintf("path %s escapes data directory", path)).
		WithDetail("path", path).
		WithDetail("root", root)
}

// NewInvalidIndexSchema reports a malformed marketplace index.
func NewInvalidIndexSchema(reason string) *AppError {
	return New(ErrorTypeInvalidIndexSchema, "marketplace index is invalid: "+reason)
}

// NewNotFoundInMarketplace reports a plugin id missing from the index.
func NewNotFoundInMarketplace(marketplaceID, pluginID string) *AppError {
	return New(ErrorTypeNotFoundInMarketplace, fmt.Sprintf("plugin %s not found in marketplace %s", pluginID, marketplaceID)).
		WithDetail("marketplaceId", marketplaceID).
		WithDetail("pluginId", pluginID)
}

// NewVersionNotFound reports a requested version missing from a plugin's catalog entry.
func NewVersionNotFound(pluginID, version string) *AppError {
	return New(ErrorTypeVersionNotFound, fmt.Sprintf("version %s of plugin %s not found", version, pluginID)).
		WithDetail("pluginId", pluginID).
		WithDetail("version", version)
}

// NewPermissionDenied reports a capability rejected by operator policy.
func NewPermissionDenied(capability, reason string) *AppError {
	return New(ErrorTypePermissionDenied, fmt.Sprintf("permission denied for %s: %s", capability, reason)).
		WithDetail("capability", capability)
}

// NewDownloadFailed reports a transport failure while fetching an archive.
func NewDownloadFailed(url string, err error) *AppError {
	return WrapWithType(err, ErrorTypeDownloadFailed, "failed to download "+url).
		WithDetail("url", url)
}

// NewChecksumMismatch reports archive bytes not matching the declared digest.
func NewChecksumMismatch(expected, actual string) *AppError {
	return New(ErrorTypeChecksumMismatch, fmt.Sprintf("checksum mismatch: expected %s, got %s", expected, actual)).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

// NewUnsafeArchiveEntry reports a rejected archive entry.
func NewUnsafeArchiveEntry(name, reason string) *AppError {
	return New(ErrorTypeUnsafeArchiveEntry, fmt.Sprintf("unsafe archive entry %q: %s", name, reason)).
		WithDetail("entry", name).
		WithDetail("reason", reason)
}

// NewDependencyInstallFailed reports a non-zero dependency installation step.
func NewDependencyInstallFailed(pluginID string, exitCode int, err error) *AppError {
	return WrapWithType(err, ErrorTypeDependencyInstallFailed, fmt.Sprintf("dependency install for %s failed with exit code %d", pluginID, exitCode)).
		WithDetail("pluginId", pluginID).
		WithDetail("exitCode", exitCode)
}

// NewEntryNotFound reports a declared entry file absent after extraction.
func NewEntryNotFound(pluginID, entryPath string) *AppError {
	return New(ErrorTypeEntryNotFound, fmt.Sprintf("entry file %s not found for plugin %s", entryPath, pluginID)).
		WithDetail("pluginId", pluginID).
		WithDetail("entryPath", entryPath)
}

// NewVersionNotInstalled reports a rollback target missing on disk.
func NewVersionNotInstalled(pluginID, version string) *AppError {
	return New(ErrorTypeVersionNotInstalled, fmt.Sprintf("version %s of plugin %s is not installed", version, pluginID)).
		WithDetail("pluginId", pluginID).
		WithDetail("version", version)
}

// NewAlreadyOnVersion reports an upgrade target equal to the current version.
func NewAlreadyOnVersion(pluginID, version string) *AppError {
	return New(ErrorTypeAlreadyOnVersion, fmt.Sprintf("plugin %s is already on version %s", pluginID, version)).
		WithDetail("pluginId", pluginID).
		WithDetail("version", version)
}

// NewConfigCorrupted reports an unreadable registry whose backup also failed.
func NewConfigCorrupted(path string, err error) *AppError {
	return WrapWithType(err, ErrorTypeConfigCorrupted, "registry file corrupted: "+path).
		WithDetail("path", path)
}

// NewRecordNotFound reports a plugin id absent from the registry.
func NewRecordNotFound(id string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("plugin %s is not registered", id)).
		WithDetail("pluginId", id)
}

// NewInvalid reports a malformed caller request.
func NewInvalid(message string) *AppError {
	return New(ErrorTypeInvalid, message)
}

// NewInternal reports an unexpected internal failure.
func NewInternal(message string) *AppError {
	return New(ErrorTypeInternal, message)
}
