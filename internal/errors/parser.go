package errors

import (
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ErrorInfo is a code plus the message shown to the user.
type ErrorInfo struct {
	Code    string // see codes.go
	Message string // user facing, Spanish
}

// ParseError turns a store or infrastructure error into a code and a message
// that is safe to show. context names the operation ("invoice save", "user
// create", ...) and picks the fallback wording.
func ParseError(err error, context string) ErrorInfo {
	if err == nil {
		return ErrorInfo{
			Code:    InternalServerError,
			Message: "Ha ocurrido un error inesperado.",
		}
	}

	errStr := err.Error()
	errStrLower := strings.ToLower(errStr)

	// 1. gorm / redis sentinels
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, redis.Nil) {
		return ErrorInfo{
			Code:    ResourceNotFound,
			Message: getNotFoundMessage(context),
		}
	}

	// 2. constraint violations (postgres and sqlite wording)
	if strings.Contains(errStrLower, "duplicate key") || strings.Contains(errStrLower, "unique constraint") {
		return parseDuplicateKeyError(errStr)
	}
	if (strings.Contains(errStrLower, "null value") && strings.Contains(errStrLower, "not-null constraint")) ||
		strings.Contains(errStrLower, "not null constraint") {
		return ErrorInfo{
			Code:    ValidationRequired,
			Message: "Faltan campos obligatorios.",
		}
	}
	if strings.Contains(errStrLower, "numeric field overflow") {
		return ErrorInfo{
			Code:    ValidationInvalidInput,
			Message: "El importe es demasiado grande.",
		}
	}

	// 3. network
	if strings.Contains(errStrLower, "connection refused") ||
		strings.Contains(errStrLower, "no such host") ||
		strings.Contains(errStrLower, "timeout") {
		return ErrorInfo{
			Code:    InternalExternalAPI,
			Message: "No se pudo conectar con el servicio. Inténtalo de nuevo más tarde.",
		}
	}

	return ErrorInfo{
		Code:    InternalServerError,
		Message: getDefaultErrorMessage(context),
	}
}

func parseDuplicateKeyError(errStr string) ErrorInfo {
	errLower := strings.ToLower(errStr)

	if strings.Contains(errLower, "email") || strings.Contains(errLower, "idx_users_email") {
		return ErrorInfo{
			Code:    AuthEmailAlreadyExists,
			Message: "Este correo ya está registrado.",
		}
	}
	if strings.Contains(errLower, "pkey") || strings.Contains(errLower, "primary key") || strings.Contains(errLower, ".id") {
		return ErrorInfo{
			Code:    ResourceAlreadyExists,
			Message: "Ya existe un registro con ese identificador.",
		}
	}
	return ErrorInfo{
		Code:    ResourceAlreadyExists,
		Message: "Los datos ya existen.",
	}
}

func getNotFoundMessage(context string) string {
	contextLower := strings.ToLower(context)

	if strings.Contains(contextLower, "invoice") || strings.Contains(contextLower, "factura") {
		return "Factura no encontrada."
	}
	if strings.Contains(contextLower, "user") || strings.Contains(contextLower, "usuario") {
		return "El usuario no existe."
	}
	return "No se encontraron los datos solicitados."
}

func getDefaultErrorMessage(context string) string {
	contextLower := strings.ToLower(context)

	if strings.Contains(contextLower, "invoice") {
		if strings.Contains(contextLower, "delete") {
			return "Error al eliminar la factura."
		}
		if strings.Contains(contextLower, "export") {
			return "Error al exportar las facturas."
		}
		return "Error al guardar la factura."
	}
	return "Ha ocurrido un error inesperado."
}

// ParseAndRespond parses err and writes it as an ErrorResponse.
func ParseAndRespond(c interface{ JSON(int, interface{}) }, statusCode int, err error, context string) {
	errorInfo := ParseError(err, context)
	c.JSON(statusCode, ErrorResponse{
		Error:   errorInfo.Code,
		Message: errorInfo.Message,
	})
}
