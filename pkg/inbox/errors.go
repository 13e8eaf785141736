package inbox

import "errors"

// ErrMessageIDRequired - у входящего сообщения нет id, дедупликация невозможна.
var ErrMessageIDRequired = errors.New("не указан id входящего сообщения")
