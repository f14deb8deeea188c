package settings

import "codeberg.org/mutker/greenhousectl/internal/errors"

const (
	ErrInvalidDBPath = errors.ErrorCode("settings_invalid_db_path")
	ErrStorageInit   = errors.ErrorCode("settings_storage_init_failed")
	ErrStorageAccess = errors.ErrorCode("settings_storage_access_failed")
	ErrStorageClose  = errors.ErrorCode("settings_storage_close_failed")
	ErrInvalidValue  = errors.ErrorCode("settings_invalid_value")
	ErrSchemaInit    = errors.ErrorCode("settings_schema_init_failed")
)
