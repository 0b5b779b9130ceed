package ingest

import "errors"

// errCoordinatorRunning guards Reset against a live pipeline.
var errCoordinatorRunning = errors.New("coordinator is running; stop it before reset")
