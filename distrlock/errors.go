/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package distrlock

import "errors"

// ErrLockAlreadyAcquired is returned when the lock is held by another token and hasn't expired yet.
var ErrLockAlreadyAcquired = errors.New("distributed lock already acquired")

// ErrLockAlreadyReleased is returned when the lock was released or expired before the operation.
var ErrLockAlreadyReleased = errors.New("distributed lock already released")
