package store

import "errors"

var ErrStore = errors.New("layer store error")
