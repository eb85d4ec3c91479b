package app

import "errors"

var (
	// ErrDeviceIDRequired rejects grant requests carrying no device
	// identifier. The check is mandatory: an absent device id is a client
	// bug, not an open door.
	ErrDeviceIDRequired = errors.New("device id required")

	// ErrDirectoryCorrupt indicates a stored segment list that no longer
	// partitions the content's pages. Served content would misrender, so the
	// request fails instead.
	ErrDirectoryCorrupt = errors.New("segment directory corrupt")

	// ErrInvalidPage rejects progress writes for pages outside [1, total].
	ErrInvalidPage = errors.New("invalid page")
)
