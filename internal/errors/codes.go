package errors

// Error codes returned in ErrorResponse.Error.
// Format: CATEGORY_SPECIFIC_DETAIL. Clients map messages from the code.

const (
	// ==================== Auth (AUTH_) ====================
	AuthUnauthorized       = "AUTH_UNAUTHORIZED"        // login required
	AuthInvalidCredentials = "AUTH_INVALID_CREDENTIALS" // wrong email or password
	AuthUserNotFound       = "AUTH_USER_NOT_FOUND"      // no such account
	AuthTokenExpired       = "AUTH_TOKEN_EXPIRED"
	AuthTokenInvalid       = "AUTH_TOKEN_INVALID"
	AuthTokenRevoked       = "AUTH_TOKEN_REVOKED" // logged out
	AuthEmailAlreadyExists = "AUTH_EMAIL_EXISTS"
	AuthEmailInvalid       = "AUTH_EMAIL_INVALID"
	AuthWeakPassword       = "AUTH_WEAK_PASSWORD"

	// ==================== Validation (VALIDATION_) ====================
	ValidationInvalidInput = "VALIDATION_INVALID_INPUT"
	ValidationInvalidID    = "VALIDATION_INVALID_ID"
	ValidationRequired     = "VALIDATION_REQUIRED" // mandatory field missing
	ValidationInvalidRate  = "VALIDATION_INVALID_RATE"
	ValidationInvalidType  = "VALIDATION_INVALID_TYPE"

	// ==================== Resources (RESOURCE_) ====================
	ResourceNotFound      = "RESOURCE_NOT_FOUND"
	ResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	ResourceConflict      = "RESOURCE_CONFLICT"

	// ==================== Invoices (INVOICE_) ====================
	InvoiceNotFound        = "INVOICE_NOT_FOUND"
	InvoiceVersionConflict = "INVOICE_VERSION_CONFLICT" // stale version on update
	InvoiceSaveFailed      = "INVOICE_SAVE_FAILED"
	InvoiceDeleteFailed    = "INVOICE_DELETE_FAILED"

	// ==================== Export (EXPORT_) ====================
	ExportEmptySelection = "EXPORT_EMPTY_SELECTION"
	ExportInvalidFormat  = "EXPORT_INVALID_FORMAT"
	ExportUploadFailed   = "EXPORT_UPLOAD_FAILED"

	// ==================== Internal (INTERNAL_) ====================
	InternalServerError   = "INTERNAL_SERVER_ERROR"
	InternalDatabaseError = "INTERNAL_DATABASE_ERROR"
	InternalExternalAPI   = "INTERNAL_EXTERNAL_API" // redis, S3
	InternalConfigError   = "INTERNAL_CONFIG_ERROR"
)
