package store

import "errors"

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidSettingKey = errors.New("setting key is not in the allow-list")
)
