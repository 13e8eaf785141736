package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// IsDuplicateKey сообщает, что ошибка вызвана нарушением уникальности.
// Понимает gorm.ErrDuplicatedKey (TranslateError), текст MySQL
// ("Duplicate entry") и текст SQLite ("UNIQUE constraint failed").
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}
